package arousal

import (
	"encoding/json"
	"fmt"
)

// Level is a monitoring intensity state. Levels are totally ordered:
// escalation moves up, decay moves down.
type Level int

const (
	Dormant Level = iota
	Drowsy
	Aware
	Alert
	FullyAwake
)

// UnknownLevelError reports a level name outside the closed set.
type UnknownLevelError struct {
	Name string
}

func (e *UnknownLevelError) Error() string {
	return fmt.Sprintf("unknown arousal level %q", e.Name)
}

var levelNames = map[Level]string{
	Dormant:    "DORMANT",
	Drowsy:     "DROWSY",
	Aware:      "AWARE",
	Alert:      "ALERT",
	FullyAwake: "FULLY_AWAKE",
}

var levelValues = func() map[string]Level {
	m := make(map[string]Level, len(levelNames))
	for l, name := range levelNames {
		m[name] = l
	}
	return m
}()

// Levels returns all levels in ascending order.
func Levels() []Level {
	return []Level{Dormant, Drowsy, Aware, Alert, FullyAwake}
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(l))
}

// Valid reports whether l is one of the five defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// ParseLevel maps a level name back to its value.
func ParseLevel(name string) (Level, error) {
	if l, ok := levelValues[name]; ok {
		return l, nil
	}
	return Dormant, &UnknownLevelError{Name: name}
}

// MarshalJSON encodes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, &UnknownLevelError{Name: l.String()}
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name, rejecting unknown ones.
func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
