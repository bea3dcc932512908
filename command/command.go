// Package command parses the newline-delimited text commands sent by the
// operator console.
package command

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Kind int

const (
	Connect Kind = iota + 1
	Disconnect
	Ping
	Throttle
	Brake
	BrakeBalance
	Steering
	GearUp
	GearDown
)

var kindNames = map[Kind]string{
	Connect:      "CONNECT",
	Disconnect:   "DISCONNECT",
	Ping:         "PING",
	Throttle:     "THROTTLE",
	Brake:        "BRAKE",
	BrakeBalance: "BRAKE_BALANCE",
	Steering:     "STEERING",
	GearUp:       "GEAR_UP",
	GearDown:     "GEAR_DOWN",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "UNKNOWN"
}

// Actuator reports whether the command drives an actuator.
func (k Kind) Actuator() bool {
	return k >= Throttle && k <= GearDown
}

type Command struct {
	Kind Kind
	// Value is the numeric argument of THROTTLE, BRAKE, BRAKE_BALANCE and
	// STEERING.
	Value float64
	// Port is the console receive port announced with CONNECT, 0 if absent.
	Port int
	// Timestamp is the PING argument as sent.
	Timestamp string
}

func (c Command) String() string {
	switch c.Kind {
	case Connect:
		if c.Port > 0 {
			return "CONNECT:" + strconv.Itoa(c.Port)
		}
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Ping:
		return "PING:" + c.Timestamp
	case GearUp, GearDown:
		return controlPrefix + c.Kind.String()
	case Throttle, Brake, BrakeBalance, Steering:
		return controlPrefix + c.Kind.String() + ":" + strconv.FormatFloat(c.Value, 'f', -1, 64)
	}
	return ""
}

type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return "invalid command " + strconv.Quote(e.Line) + ": " + e.Reason
}

const controlPrefix = "CONTROL:"

// Parse decodes a single command line. Numeric values are returned as sent;
// range clamping is left to the consumer.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	fail := func(reason string) (Command, error) {
		return Command{}, &ParseError{Line: line, Reason: reason}
	}
	if line == "" {
		return fail("empty line")
	}

	if strings.HasPrefix(line, controlPrefix) {
		return parseControl(line, strings.TrimPrefix(line, controlPrefix))
	}

	name, arg, hasArg := strings.Cut(line, ":")
	switch name {
	case "CONNECT":
		if !hasArg {
			return Command{Kind: Connect}, nil
		}
		port, err := strconv.Atoi(arg)
		if err != nil || port <= 0 || port > math.MaxUint16 {
			return fail("bad port")
		}
		return Command{Kind: Connect, Port: port}, nil
	case "DISCONNECT":
		if hasArg {
			return fail("unexpected argument")
		}
		return Command{Kind: Disconnect}, nil
	case "PING":
		if !hasArg {
			return fail("missing timestamp")
		}
		if _, err := strconv.ParseFloat(arg, 64); err != nil {
			return fail("bad timestamp")
		}
		return Command{Kind: Ping, Timestamp: arg}, nil
	}
	return fail("unknown command")
}

func parseControl(line, body string) (Command, error) {
	name, arg, hasArg := strings.Cut(body, ":")
	var kind Kind
	switch name {
	case "GEAR_UP":
		kind = GearUp
	case "GEAR_DOWN":
		kind = GearDown
	case "THROTTLE":
		kind = Throttle
	case "BRAKE":
		kind = Brake
	case "BRAKE_BALANCE":
		kind = BrakeBalance
	case "STEERING":
		kind = Steering
	default:
		return Command{}, &ParseError{Line: line, Reason: "unknown control " + strconv.Quote(name)}
	}

	if kind == GearUp || kind == GearDown {
		if hasArg {
			return Command{}, &ParseError{Line: line, Reason: "unexpected argument"}
		}
		return Command{Kind: kind}, nil
	}

	if !hasArg {
		return Command{}, &ParseError{Line: line, Reason: "missing value"}
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Command{}, &ParseError{Line: line, Reason: "bad value"}
	}
	return Command{Kind: kind, Value: v}, nil
}

// Lines splits a datagram into its non-empty command lines.
func Lines(datagram []byte) []string {
	var lines []string
	for _, l := range strings.Split(string(datagram), "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// IsParseError reports whether err came from Parse.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
