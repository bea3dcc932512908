package thermal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodFrame = `72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
72 01 4b 46 7f ff 0e 10 57 t=23125
`

func TestParseW1Slave(t *testing.T) {
	c, err := ParseW1Slave([]byte(goodFrame))
	require.NoError(t, err)
	assert.Equal(t, 23.125, c)

	c, err = ParseW1Slave([]byte("ff ff : crc=00 YES\nff ff t=-1500\n"))
	require.NoError(t, err)
	assert.Equal(t, -1.5, c)

	_, err = ParseW1Slave([]byte("72 01 : crc=12 NO\n72 01 t=23125\n"))
	assert.ErrorIs(t, err, ErrCRC)
	_, err = ParseW1Slave([]byte("72 01 : crc=57 YES\n"))
	assert.ErrorIs(t, err, ErrCRC)
	_, err = ParseW1Slave([]byte("72 01 : crc=57 YES\n72 01\n"))
	assert.Error(t, err)
	_, err = ParseW1Slave([]byte("72 01 : crc=57 YES\n72 01 t=abc\n"))
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, 0, Status(40))
	assert.Equal(t, 1, Status(65))
	assert.Equal(t, 2, Status(80.5))
	assert.Equal(t, 3, Status(90))
}

func TestSensor(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "28-0316a2795bff")
	require.NoError(t, os.Mkdir(dev, 0o755))
	path := filepath.Join(dev, "w1_slave")
	require.NoError(t, os.WriteFile(path, []byte(goodFrame), 0o644))

	s, err := Find(filepath.Join(dir, "28-*", "w1_slave"))
	require.NoError(t, err)
	fields, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"temperature_c":  23.125,
		"temperature_f":  73.625,
		"thermal_status": 0,
	}, fields)

	// unplugged
	require.NoError(t, os.Remove(path))
	_, err = s.Read(context.Background())
	var se *SensorError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Permanent())
}

func TestFindNoSensor(t *testing.T) {
	_, err := Find(filepath.Join(t.TempDir(), "28-*", "w1_slave"))
	var se *SensorError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
