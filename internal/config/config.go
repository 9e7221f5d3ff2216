// Package config loads the NCC and terminal configuration and the
// simulation scenario files.
package config

import (
	"cmp"
	"fmt"
	"time"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
	"github.com/signalsfoundry/opensand-dama/internal/dama/agent"
	"github.com/signalsfoundry/opensand-dama/internal/dama/controller"
	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
)

// Timing is the return link frame layout shared by the NCC and its
// terminals.
type Timing struct {
	FrameDuration       time.Duration `mapstructure:"frame_duration" yaml:"frame_duration"`
	FramesPerSuperframe uint32        `mapstructure:"frames_per_superframe" yaml:"frames_per_superframe"`
	PacketLength        int           `mapstructure:"packet_length" yaml:"packet_length"`
}

// Tracing configures span export. It sits under the tracing key, so
// DAMA_TRACING_ENABLED overrides tracing.enabled.
type Tracing struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter    string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// Observability returns the settings for a process playing role.
func (t Tracing) Observability(role string) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		ServiceName: "opensand-dama-" + role,
		Role:        role,
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		SampleRatio: t.SampleRatio,
	}
}

// NCC configures the controller and its gateway.
type NCC struct {
	Timing `mapstructure:",squash" yaml:",inline"`

	GroupID uint8 `mapstructure:"group_id" yaml:"group_id"`

	// CapacityKbps is used when CapacityPktpf is zero.
	CapacityPktpf    uint32 `mapstructure:"capacity_pktpf" yaml:"capacity_pktpf"`
	CapacityKbps     uint32 `mapstructure:"capacity_kbps" yaml:"capacity_kbps"`
	CarrierSizePktpf uint32 `mapstructure:"carrier_size_pktpf" yaml:"carrier_size_pktpf"`

	Strategy              string `mapstructure:"strategy" yaml:"strategy"`
	RBDCTimeoutSf         uint32 `mapstructure:"rbdc_timeout_sf" yaml:"rbdc_timeout_sf"`
	AllocationCycleFrames uint32 `mapstructure:"allocation_cycle_frames" yaml:"allocation_cycle_frames"`
	CRADecrease           bool   `mapstructure:"cra_decrease" yaml:"cra_decrease"`
	MinVBDCPkt            uint32 `mapstructure:"min_vbdc_pkt" yaml:"min_vbdc_pkt"`
	FCAPktpf              uint32 `mapstructure:"fca_pktpf" yaml:"fca_pktpf"`
	FmtID                 uint8  `mapstructure:"fmt_id" yaml:"fmt_id"`
	LivenessTimeoutSf     uint32 `mapstructure:"liveness_timeout_sf" yaml:"liveness_timeout_sf"`
	SACLayout             string `mapstructure:"sac_layout" yaml:"sac_layout"`

	Listen      string `mapstructure:"listen" yaml:"listen"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	Tracing Tracing `mapstructure:"tracing" yaml:"tracing"`
}

// Controller converts the configuration into a controller configuration
// with defaults applied.
func (n NCC) Controller() (controller.Config, error) {
	cfg := controller.Config{
		GroupID:               dama.GroupID(n.GroupID),
		FrameDuration:         n.FrameDuration,
		FramesPerSuperframe:   n.FramesPerSuperframe,
		PacketLength:          n.PacketLength,
		CapacityPktpf:         n.CapacityPktpf,
		CarrierSizePktpf:      n.CarrierSizePktpf,
		RBDCTimeoutSf:         n.RBDCTimeoutSf,
		AllocationCycleFrames: n.AllocationCycleFrames,
		Strategy:              n.Strategy,
		CRADecrease:           n.CRADecrease,
		MinVBDCPkt:            n.MinVBDCPkt,
		FCAPktpf:              n.FCAPktpf,
		FmtID:                 n.FmtID,
		LivenessTimeoutSf:     n.LivenessTimeoutSf,
	}.ApplyDefaults()
	if cfg.CapacityPktpf == 0 && n.CapacityKbps > 0 {
		conv, err := dama.NewConverter(cfg.FrameDuration, cfg.PacketLength)
		if err != nil {
			return controller.Config{}, err
		}
		cfg.CapacityPktpf = conv.KbpsToPktpf(n.CapacityKbps)
		if n.CarrierSizePktpf == 0 {
			cfg.CarrierSizePktpf = cfg.CapacityPktpf
		}
	}
	if err := cfg.Validate(); err != nil {
		return controller.Config{}, err
	}
	return cfg, nil
}

// Fifo configures one terminal queue. Priority takes the MAC QoS names
// (NM, EF, SIG, AF, BE) or a number.
type Fifo struct {
	ID          uint8  `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name"`
	Priority    string `mapstructure:"priority" yaml:"priority"`
	Access      string `mapstructure:"access" yaml:"access"`
	CapacityPkt int    `mapstructure:"capacity_pkt" yaml:"capacity_pkt"`
}

// Terminal configures one DAMA agent.
type Terminal struct {
	Timing `mapstructure:",squash" yaml:",inline"`

	TalID                uint16 `mapstructure:"tal_id" yaml:"tal_id"`
	CRAKbps              uint32 `mapstructure:"cra_kbps" yaml:"cra_kbps"`
	MaxRBDCKbps          uint32 `mapstructure:"max_rbdc_kbps" yaml:"max_rbdc_kbps"`
	MaxVBDCPkt           uint32 `mapstructure:"max_vbdc_pkt" yaml:"max_vbdc_pkt"`
	RBDCTimeoutSf        uint32 `mapstructure:"rbdc_timeout_sf" yaml:"rbdc_timeout_sf"`
	MSLSf                uint32 `mapstructure:"msl_sf" yaml:"msl_sf"`
	OBRPeriodSf          uint32 `mapstructure:"obr_period_sf" yaml:"obr_period_sf"`
	CarrierCapacityPktpf uint32 `mapstructure:"carrier_capacity_pktpf" yaml:"carrier_capacity_pktpf"`
	DisableRBDC          bool   `mapstructure:"disable_rbdc" yaml:"disable_rbdc"`
	DisableVBDC          bool   `mapstructure:"disable_vbdc" yaml:"disable_vbdc"`
	SACLayout            string `mapstructure:"sac_layout" yaml:"sac_layout"`

	Fifos []Fifo `mapstructure:"fifos" yaml:"fifos"`

	// Target is the NCC gateway address.
	Target string `mapstructure:"target" yaml:"target"`

	Tracing Tracing `mapstructure:"tracing" yaml:"-"`
}

// Agent converts the configuration into an agent configuration. Zero
// values keep their agent default.
func (t Terminal) Agent() agent.Config {
	return agent.Config{
		TalID:                dama.TalID(t.TalID),
		FrameDuration:        t.FrameDuration,
		FramesPerSuperframe:  t.FramesPerSuperframe,
		PacketLength:         t.PacketLength,
		CRAKbps:              t.CRAKbps,
		MaxRBDCKbps:          t.MaxRBDCKbps,
		MaxVBDCPkt:           t.MaxVBDCPkt,
		RBDCTimeoutSf:        t.RBDCTimeoutSf,
		MSLSf:                t.MSLSf,
		OBRPeriodSf:          t.OBRPeriodSf,
		CarrierCapacityPktpf: t.CarrierCapacityPktpf,
		DisableRBDC:          t.DisableRBDC,
		DisableVBDC:          t.DisableVBDC,
	}
}

// FifoConfigs converts the queue list. A terminal without queues gets a
// single best effort RBDC queue.
func (t Terminal) FifoConfigs() ([]fifo.Config, error) {
	if len(t.Fifos) == 0 {
		return []fifo.Config{defaultFifo()}, nil
	}
	out := make([]fifo.Config, 0, len(t.Fifos))
	for i, f := range t.Fifos {
		access, err := dama.ParseAccessType(f.Access)
		if err != nil {
			return nil, fmt.Errorf("terminal %d fifo %q: %w", t.TalID, f.Name, err)
		}
		prio := fifo.PriorityBE
		if f.Priority != "" {
			if prio, err = fifo.ParsePriority(f.Priority); err != nil {
				return nil, fmt.Errorf("terminal %d fifo %q: %w", t.TalID, f.Name, err)
			}
		}
		id := f.ID
		if id == 0 {
			id = uint8(i + 1)
		}
		out = append(out, fifo.Config{
			ID:          id,
			Name:        f.Name,
			Priority:    prio,
			Access:      access,
			CapacityPkt: cmp.Or(f.CapacityPkt, defaultFifoCapacity),
		})
	}
	return out, nil
}

const defaultFifoCapacity = 1000

func defaultFifo() fifo.Config {
	return fifo.Config{ID: 1, Name: "be", Priority: fifo.PriorityBE, Access: dama.AccessDAMARBDC, CapacityPkt: defaultFifoCapacity}
}

// Codec returns the codec for the configured SAC entry layout.
func (n NCC) Codec() (dvb.Codec, error) { return codec(n.SACLayout) }

// Codec returns the codec for the configured SAC entry layout.
func (t Terminal) Codec() (dvb.Codec, error) { return codec(t.SACLayout) }

func codec(layout string) (dvb.Codec, error) {
	l, err := dvb.ParseEntryLayout(layout)
	if err != nil {
		return dvb.Codec{}, err
	}
	return dvb.Codec{Layout: l}, nil
}
