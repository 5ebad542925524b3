package fabric

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every step it's asked to run instead of executing it,
// and can be told to fail on a particular label.
type fakeRunner struct {
	ran     []step
	failOn  string
	failErr error
}

func (f *fakeRunner) Run(ctx context.Context, s step) error {
	f.ran = append(f.ran, s)
	if f.failOn != "" && s.label == f.failOn {
		if f.failErr != nil {
			return f.failErr
		}
		return errors.New("boom")
	}
	return nil
}

func (f *fakeRunner) RunAll(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := f.Run(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRunner) RunAllBestEffort(ctx context.Context, steps []step) {
	for _, s := range steps {
		_ = f.Run(ctx, s)
	}
}

func testEnv() *NetEnv {
	return &NetEnv{
		Namespace:     "testns",
		Device:        "eth0",
		IP:            "10.0.0.5/24",
		bridgeHost:    "b1",
		bridgeNS:      "b2",
		vethHostOuter: "v1",
		vethNSInner:   "veth0",
		vethNSOuter:   "veth1",
		vethHostInner: "v4",
	}
}

func TestInstallTProxyWithExplicitPorts(t *testing.T) {
	e := testEnv()
	r := &fakeRunner{}
	require.NoError(t, e.InstallTProxy(context.Background(), r, []uint16{80, 443}, 9999))

	require.Len(t, r.ran, 6)
	assert.Equal(t, "create DIVERT chain", r.ran[0].label)
	assert.Equal(t, "divert owned sockets", r.ran[1].label)
	assert.Equal(t, "mark diverted packets", r.ran[2].label)
	assert.Equal(t, "accept diverted packets", r.ran[3].label)
	assert.Equal(t, "tproxy rule", r.ran[4].label)
	assert.Equal(t, "stop bridge forwarding tproxy'd tcp", r.ran[5].label)

	tproxyArgv := r.ran[4].cmd.argv
	assert.Contains(t, tproxyArgv, "--dports")
	assert.Contains(t, tproxyArgv, "80,443")
	assert.Contains(t, tproxyArgv, "--on-port")
	assert.Contains(t, tproxyArgv, "9999")
}

func TestInstallTProxyWithoutPortsAppliesToAllTCP(t *testing.T) {
	e := testEnv()
	r := &fakeRunner{}
	require.NoError(t, e.InstallTProxy(context.Background(), r, nil, 9999))

	tproxyArgv := r.ran[4].cmd.argv
	assert.NotContains(t, tproxyArgv, "--dports")
	assert.Contains(t, tproxyArgv, "--on-port")
}

func TestInstallTProxyStopsOnFirstError(t *testing.T) {
	e := testEnv()
	r := &fakeRunner{failOn: "mark diverted packets"}
	err := e.InstallTProxy(context.Background(), r, []uint16{80}, 1)
	assert.Error(t, err)
	assert.Len(t, r.ran, 3, "should not run steps after the failing one")
}

func TestInstallSafeModeInsertsAcceptRuleForLowPorts(t *testing.T) {
	e := testEnv()
	r := &fakeRunner{}
	require.NoError(t, e.InstallSafeMode(context.Background(), r))

	require.Len(t, r.ran, 1)
	argv := r.ran[0].cmd.argv
	assert.Contains(t, argv, "-I")
	assert.Contains(t, argv, "1:1024")
	assert.Contains(t, argv, "ACCEPT")
}

func TestTeardownRunsAllStepsBestEffortDespiteFailures(t *testing.T) {
	e := testEnv()
	r := &fakeRunner{failOn: "delete namespace"}
	e.Teardown(context.Background(), r)

	assert.Len(t, r.ran, 5, "a failing step must not stop the remaining teardown steps")
	assert.Equal(t, "clear ebtables", r.ran[len(r.ran)-1].label)
}

func TestInNSWrapsCommandWithNetnsExec(t *testing.T) {
	e := testEnv()
	wrapped := e.inNS(cmd("ip", "link", "show"))
	assert.Equal(t, []string{"ip", "netns", "exec", "testns", "ip", "link", "show"}, wrapped.argv)
}

func TestJoinPorts(t *testing.T) {
	assert.Equal(t, "", joinPorts(nil))
	assert.Equal(t, "80", joinPorts([]uint16{80}))
	assert.Equal(t, "80,443,8080", joinPorts([]uint16{80, 443, 8080}))
}

func TestNewDerivesDistinctEnvs(t *testing.T) {
	a, err := New("eth0", "10.0.0.1/24")
	require.NoError(t, err)
	b, err := New("eth0", "10.0.0.1/24")
	require.NoError(t, err)
	assert.NotEqual(t, a.Namespace, b.Namespace, "each NetEnv must get a fresh random prefix")
	assert.Equal(t, "veth0", a.vethNSInner, "the in-namespace veth names are fixed, not randomized")
}
