package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeString(t *testing.T) {
	assert.Equal(t, "weak", Weak.String())
	assert.Equal(t, "strong", Strong.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
	assert.Equal(t, "strong subscription", fmt.Sprintf("%s subscription", Strong))
}
