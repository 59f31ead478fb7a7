package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(0, 0))
	assert.True(t, ValidCoordinates(90, 180))
	assert.True(t, ValidCoordinates(-90, -180))

	assert.False(t, ValidCoordinates(90.0001, 0))
	assert.False(t, ValidCoordinates(-90.0001, 0))
	assert.False(t, ValidCoordinates(0, 180.0001))
	assert.False(t, ValidCoordinates(0, -180.0001))
}
