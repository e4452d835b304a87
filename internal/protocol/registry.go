package protocol

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

//go:embed data/packets/0758_1.18.2.csv
var packetData []byte

// NameLookup resolves a packet name from its phase, direction and ordinal
// within that (phase, direction) section.
type NameLookup interface {
	Lookup(phase Phase, dir Direction, index uint32) (string, bool)
}

type registryKey struct {
	phase Phase
	dir   Direction
	index uint32
}

// Registry is an immutable packet name table. It is built once and may be
// shared by every session without synchronization.
type Registry struct {
	names    map[registryKey]string
	sections map[Phase]map[Direction]int
}

// LoadRegistry reads a CSV dataset with the columns protocol_mode,
// packet_direction and packet_name. Rows are grouped by (mode, direction) in
// dataset order; the ordinal restarts at zero whenever the group changes.
func LoadRegistry(r io.Reader) (*Registry, error) {
	rdr := csv.NewReader(r)
	rdr.TrimLeadingSpace = true

	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read registry header: %w", err)
	}
	cols, err := registryColumns(header)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		names:    make(map[registryKey]string),
		sections: make(map[Phase]map[Direction]int),
	}

	var (
		index   uint32
		last    registryKey
		started bool
		line    = 1
	)
	for {
		rec, err := rdr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read registry line %d: %w", line, err)
		}

		phase, err := ParsePhase(rec[cols[0]])
		if err != nil {
			return nil, fmt.Errorf("registry line %d: %w", line, err)
		}
		dir, err := ParseDirection(rec[cols[1]])
		if err != nil {
			return nil, fmt.Errorf("registry line %d: %w", line, err)
		}

		if !started || phase != last.phase || dir != last.dir {
			index = 0
			started = true
		}
		last = registryKey{phase: phase, dir: dir}

		reg.names[registryKey{phase: phase, dir: dir, index: index}] = strings.TrimSpace(rec[cols[2]])
		if reg.sections[phase] == nil {
			reg.sections[phase] = make(map[Direction]int)
		}
		reg.sections[phase][dir]++
		index++
	}

	return reg, nil
}

// DefaultRegistry loads the embedded protocol 758 dataset.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(bytes.NewReader(packetData))
}

func registryColumns(header []string) ([3]int, error) {
	want := [3]string{"protocol_mode", "packet_direction", "packet_name"}
	cols := [3]int{-1, -1, -1}
	for i, h := range header {
		for j, w := range want {
			if strings.EqualFold(strings.TrimSpace(h), w) {
				cols[j] = i
			}
		}
	}
	for j, c := range cols {
		if c < 0 {
			return cols, fmt.Errorf("registry header missing column %q", want[j])
		}
	}
	return cols, nil
}

// Lookup returns the packet name for the given key. A miss is not an error.
func (r *Registry) Lookup(phase Phase, dir Direction, index uint32) (string, bool) {
	if r == nil {
		return "", false
	}
	name, ok := r.names[registryKey{phase: phase, dir: dir, index: index}]
	return name, ok
}

// Len returns the total number of named packets.
func (r *Registry) Len() int {
	return len(r.names)
}

// SectionLen returns the number of packets in a (phase, direction) section.
func (r *Registry) SectionLen(phase Phase, dir Direction) int {
	return r.sections[phase][dir]
}
