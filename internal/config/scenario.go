package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/controller"
	"github.com/signalsfoundry/opensand-dama/internal/orbit"
	"github.com/signalsfoundry/opensand-dama/internal/sim"
)

// defaultLookaheadSf is the number of superframes between an allocation
// pass and the superframe its time plan applies to.
const defaultLookaheadSf = 2

// Scenario is a simulation file: one NCC, its terminals and their load.
type Scenario struct {
	Start time.Time `yaml:"start"`

	// Duration bounds the run; zero runs until interrupted.
	Duration  time.Duration      `yaml:"duration"`
	NCC       NCC                `yaml:"ncc"`
	Orbit     *Orbit             `yaml:"orbit"`
	Terminals []ScenarioTerminal `yaml:"terminals"`
	PEP       []PEP              `yaml:"pep"`
}

// Orbit places the satellite and the gateway so that terminals with a site
// get their MSL from the propagation delay.
type Orbit struct {
	// TLE holds the two lines of an element set. Without it the satellite
	// is geostationary at GeoLonDeg.
	TLE         []string   `yaml:"tle"`
	GeoLonDeg   float64    `yaml:"geo_lon"`
	Gateway     orbit.Site `yaml:"gateway"`
	LookaheadSf *uint32    `yaml:"lookahead_sf"`
}

// Satellite builds the propagator.
func (o *Orbit) Satellite() (orbit.Satellite, error) {
	switch len(o.TLE) {
	case 0:
		return orbit.Geostationary{LonDeg: o.GeoLonDeg}, nil
	case 2:
		return orbit.NewSGP4(o.TLE[0], o.TLE[1])
	}
	return nil, fmt.Errorf("config: a TLE has 2 lines, got %d", len(o.TLE))
}

// ScenarioTerminal is a terminal with its position and traffic.
type ScenarioTerminal struct {
	Terminal `yaml:",inline"`
	Site     *orbit.Site `yaml:"site"`
	Traffic  []Traffic   `yaml:"traffic"`
}

// Traffic mirrors sim.TrafficSpec.
type Traffic struct {
	Fifo     string        `yaml:"fifo"`
	RateKbps uint32        `yaml:"rate_kbps"`
	BurstPkt int           `yaml:"burst_pkt"`
	Start    time.Duration `yaml:"start"`
	Stop     time.Duration `yaml:"stop"`
}

// PEP is a scheduled PEP command. Zero rates are left unchanged.
type PEP struct {
	At          time.Duration `yaml:"at"`
	TalID       uint16        `yaml:"tal_id"`
	CRAKbps     uint32        `yaml:"cra_kbps"`
	MaxRBDCKbps uint32        `yaml:"max_rbdc_kbps"`
	RBDCKbps    uint32        `yaml:"rbdc_kbps"`
}

// LoadScenario reads and parses the scenario at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes a YAML scenario. Unknown keys are errors.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(sc.Terminals) == 0 {
		return nil, errors.New("scenario has no terminal")
	}
	return &sc, nil
}

// Sim converts the scenario into a runnable one. Terminal frame timing
// left empty follows the NCC.
func (s *Scenario) Sim() (sim.Scenario, error) {
	ctrl, err := s.NCC.Controller()
	if err != nil {
		return sim.Scenario{}, err
	}
	start := s.Start
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	out := sim.Scenario{Start: start, Controller: ctrl}

	var sat orbit.Satellite
	lookahead := uint32(defaultLookaheadSf)
	if s.Orbit != nil {
		if sat, err = s.Orbit.Satellite(); err != nil {
			return sim.Scenario{}, err
		}
		if s.Orbit.LookaheadSf != nil {
			lookahead = *s.Orbit.LookaheadSf
		}
	}
	superframe := ctrl.FrameDuration * time.Duration(ctrl.FramesPerSuperframe)

	for _, st := range s.Terminals {
		cfg := st.Agent()
		if cfg.MSLSf == 0 && sat != nil && st.Site != nil {
			path := orbit.Path{Terminal: *st.Site, Gateway: s.Orbit.Gateway, Satellite: sat}
			cfg.MSLSf = orbit.MSLSuperframes(path.RoundTrip(start), superframe, lookahead)
		}
		fifos, err := st.FifoConfigs()
		if err != nil {
			return sim.Scenario{}, err
		}
		spec := sim.TerminalSpec{Agent: cfg, Fifos: fifos}
		for _, tr := range st.Traffic {
			fifoName := tr.Fifo
			if fifoName == "" {
				fifoName = fifos[0].Name
			}
			spec.Traffic = append(spec.Traffic, sim.TrafficSpec{
				Fifo:     fifoName,
				RateKbps: tr.RateKbps,
				BurstPkt: tr.BurstPkt,
				Start:    tr.Start,
				Stop:     tr.Stop,
			})
		}
		out.Terminals = append(out.Terminals, spec)
	}

	for _, p := range s.PEP {
		out.PEP = append(out.PEP, sim.PEPEvent{
			At: p.At,
			Command: controller.PEPCommand{
				TalID:       dama.TalID(p.TalID),
				CRAKbps:     p.CRAKbps,
				MaxRBDCKbps: p.MaxRBDCKbps,
				RBDCKbps:    p.RBDCKbps,
			},
		})
	}
	return out, nil
}

// Frames is the number of frames Duration covers, zero when unbounded.
func (s *Scenario) Frames() uint64 {
	ctrl, err := s.NCC.Controller()
	if err != nil || s.Duration <= 0 {
		return 0
	}
	return uint64(s.Duration / ctrl.FrameDuration)
}
