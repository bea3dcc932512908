package teleop

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jd3nn1s/teleop/command"
	"github.com/jd3nn1s/teleop/forwarder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func consoleSocket(t *testing.T) *net.UDPConn {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func testConfig(data, highRate *net.UDPConn) *Config {
	config := DefaultConfig()
	config.Peer.DataPort = data.LocalAddr().(*net.UDPAddr).Port
	config.Peer.HighRatePort = highRate.LocalAddr().(*net.UDPAddr).Port
	config.Peer.CommandPort = 0
	config.Peer.MaxFrameRate = 200
	config.Rates.IMU = 200
	return config
}

// readUntil reads packets until match returns true or the deadline passes.
func readUntil(t *testing.T, pc *net.UDPConn, match func([]byte) bool) {
	t.Helper()
	buf := make([]byte, 65536)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		if match(buf[:n]) {
			return
		}
	}
}

func TestVehicle(t *testing.T) {
	data := consoleSocket(t)
	highRate := consoleSocket(t)
	motor := &outputStub{}
	hw := Hardware{
		Camera:   &sourceStub{results: []sourceResult{{reading: Reading{Image: []byte{0xff, 0xd8, 0xff, 0xd9}}}}},
		IMU:      &sourceStub{results: []sourceResult{{reading: fields("gyro_z", 1.25)}}},
		IMUOnBus: true,
		Motor:    motor,
	}
	v, err := NewVehicle(testConfig(data, highRate), hw, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))
	assert.Error(t, v.Start(context.Background()))

	cmdAddr, err := net.ResolveUDPAddr("udp", v.CommandAddr())
	require.NoError(t, err)
	cmdAddr.IP = net.IPv4(127, 0, 0, 1)
	port := strconv.Itoa(data.LocalAddr().(*net.UDPAddr).Port)
	_, err = data.WriteToUDP([]byte("CONNECT:"+port+"\nCONTROL:THROTTLE:50\nCONTROL:GEAR_UP\n"), cmdAddr)
	require.NoError(t, err)

	readUntil(t, data, func(b []byte) bool {
		image, telemetry, err := forwarder.DecodeConsolidated(b)
		require.NoError(t, err)
		f, err := forwarder.DecodeFields(telemetry)
		require.NoError(t, err)
		if f["throttle"] != 50 || f["gear"] != 2 {
			return false
		}
		assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, image)
		assert.Equal(t, 1.25, f["gyro_z"])
		assert.Contains(t, f, "seq_inertial")
		return true
	})

	readUntil(t, highRate, func(b []byte) bool {
		payload, err := forwarder.DecodeHighRate(b)
		require.NoError(t, err)
		f, err := forwarder.DecodeFields(payload)
		require.NoError(t, err)
		return f["gyro_z"] == 1.25
	})

	assert.True(t, v.Peer().Confirmed())
	require.NoError(t, v.Shutdown(time.Second))

	writes := motor.writes()
	require.NotEmpty(t, writes)
	assert.Equal(t, 0.0, writes[len(writes)-1], "throttle released at shutdown")
}

type stubbornLink struct {
	release chan struct{}
}

func (s *stubbornLink) Open() error  { return nil }
func (s *stubbornLink) Close() error { return nil }
func (s *stubbornLink) Name() string { return "stubborn" }

func (s *stubbornLink) Start(ctx context.Context) error {
	<-s.release
	return nil
}

func TestVehicleShutdownReportsStuckLoops(t *testing.T) {
	data := consoleSocket(t)
	highRate := consoleSocket(t)
	link := &stubbornLink{release: make(chan struct{})}
	defer close(link.release)

	v, err := NewVehicle(testConfig(data, highRate), Hardware{Links: []Retryable{link}}, nil)
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))

	start := time.Now()
	err = v.Shutdown(300 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	var se *ShutdownError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"stubborn"}, se.Stuck)
	assert.Contains(t, err.Error(), "stubborn")
}

func TestVehicleShutdownWithoutStart(t *testing.T) {
	data := consoleSocket(t)
	highRate := consoleSocket(t)
	v, err := NewVehicle(testConfig(data, highRate), Hardware{}, nil)
	require.NoError(t, err)
	assert.NoError(t, v.Shutdown(10*time.Millisecond))
}

func TestVehicleShutdownWithStuckBusReader(t *testing.T) {
	data := consoleSocket(t)
	highRate := consoleSocket(t)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var once sync.Once
	hw := Hardware{
		IMU: SourceFunc(func(ctx context.Context) (Reading, error) {
			once.Do(func() { close(inFlight) })
			<-release
			return Reading{}, nil
		}),
		IMUOnBus: true,
		Motor:    &outputStub{},
	}
	v, err := NewVehicle(testConfig(data, highRate), hw, nil)
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))
	<-inFlight

	done := make(chan error, 1)
	go func() {
		done <- v.Shutdown(100 * time.Millisecond)
	}()
	select {
	case err = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown blocked behind a reader holding the bus")
	}
	var se *ShutdownError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Stuck, "acquire-inertial")
}

func TestVehicleShutdownWithStuckActuator(t *testing.T) {
	data := consoleSocket(t)
	highRate := consoleSocket(t)
	motor := newBlockingOutput()
	defer close(motor.release)
	v, err := NewVehicle(testConfig(data, highRate), Hardware{Motor: motor}, nil)
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))

	go func() {
		_ = v.Dispatcher().Apply(context.Background(), command.Command{Kind: command.Throttle, Value: 50})
	}()
	<-motor.started

	done := make(chan error, 1)
	go func() {
		done <- v.Shutdown(100 * time.Millisecond)
	}()
	select {
	case err = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown blocked behind a motor write")
	}
	var se *ShutdownError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"neutral"}, se.Stuck)
}
