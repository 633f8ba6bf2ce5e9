package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInTestModeFromBlankImport(t *testing.T) {
	assert.True(t, InTestMode())
}
