package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMaxClientsUnlimitedDefaultsToTenThousand(t *testing.T) {
	assert.Equal(t, 10000, CalculateMaxClients(0))
}

func TestCalculateMaxClientsClampsToMinimum(t *testing.T) {
	assert.Equal(t, 100, CalculateMaxClients(1))
}

func TestCalculateMaxClientsClampsToMaximum(t *testing.T) {
	assert.Equal(t, 100000, CalculateMaxClients(1<<40))
}

func TestCalculateMaxClientsScalesWithBudget(t *testing.T) {
	const runtimeOverhead = 128 * 1024 * 1024
	const perClient = 32 * 1024
	limit := int64(runtimeOverhead + 1000*perClient)
	assert.Equal(t, 1000, CalculateMaxClients(limit))
}
