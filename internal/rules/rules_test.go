package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleSetFilterPreservesOrder(t *testing.T) {
	rs := RuleSet{
		{Target: TargetRequest, Selector: Selector{Port: portPtr(1)}},
		{Target: TargetResponse, Selector: Selector{Port: portPtr(2)}},
		{Target: TargetRequest, Selector: Selector{Port: portPtr(3)}},
	}

	reqRules := rs.RequestRules()
	assert.Len(t, reqRules, 2)
	assert.Equal(t, uint16(1), *reqRules[0].Selector.Port)
	assert.Equal(t, uint16(3), *reqRules[1].Selector.Port)

	respRules := rs.ResponseRules()
	assert.Len(t, respRules, 1)
	assert.Equal(t, uint16(2), *respRules[0].Selector.Port)
}
