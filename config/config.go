// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the configuration of the elink alignment tools.
package config // import "github.com/umd-lhcb/MiniDAQ-utils/config"

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/dcb"
	"github.com/umd-lhcb/MiniDAQ-utils/elink"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
	"github.com/umd-lhcb/MiniDAQ-utils/guard"
	"github.com/umd-lhcb/MiniDAQ-utils/memmon"
	"github.com/umd-lhcb/MiniDAQ-utils/phase"
	"github.com/umd-lhcb/MiniDAQ-utils/salt"
	"gopkg.in/yaml.v3"
)

const (
	BackendExec  = "exec"
	BackendLocal = "local"
)

// Config is the configuration of the alignment tools.
type Config struct {
	Backend string      `yaml:"backend"` // exec or local
	Exec    ExecConfig  `yaml:"exec"`
	Local   LocalConfig `yaml:"local"`
	MemMon  MemMon      `yaml:"memmon"`
	Guard   Guard       `yaml:"guard"`
	DCB     DCB         `yaml:"dcb"`
	SALT    SALT        `yaml:"salt"`
	Scan    Scan        `yaml:"scan"` // elink phase alignment
	TFC     Scan        `yaml:"tfc"`  // TFC phase alignment
	DB      DB          `yaml:"db"`
}

// ExecConfig configures the command channel driving the i2c_op and
// sca_test tools.
type ExecConfig struct {
	I2COp   string        `yaml:"i2c_op"`
	SCATest string        `yaml:"sca_test"`
	Settle  time.Duration `yaml:"settle"`
	PMon    string        `yaml:"pmon"` // file receiving the tools resource usage
	Freq    time.Duration `yaml:"pmon_freq"`
}

// LocalConfig configures the command channel of a bench setup.
type LocalConfig struct {
	Bus  int            `yaml:"bus"`  // /dev/i2c-<bus>
	Pins map[int]string `yaml:"pins"` // GPIO line -> host pin name
}

// MemMon configures the memory monitor.
type MemMon struct {
	Device  string `yaml:"device"`
	Base    int64  `yaml:"base"`
	Fiber   int64  `yaml:"fiber"`
	Options int64  `yaml:"options"`
	Memory  int64  `yaml:"memory"`
	Frames  int    `yaml:"frames"`
}

// Guard configures the guarded device operations.
type Guard struct {
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
	Grace    time.Duration `yaml:"grace"` // wait for a cancelled attempt before giving up
}

// PhaseRegs lists the redundant phase registers of an elink channel.
type PhaseRegs struct {
	Channel int       `yaml:"channel"`
	Regs    [3]uint16 `yaml:"regs"`
	Shift   uint8     `yaml:"shift"`
}

// DCB configures the data control board.
type DCB struct {
	SCA    int         `yaml:"sca"`
	Bus    int         `yaml:"bus"`
	Slaves []int       `yaml:"slaves"`
	GPIO   []int       `yaml:"gpio"`
	Phases []PhaseRegs `yaml:"phases"`
}

// InitWrite is one write of the SALT initialization sequence.
type InitWrite struct {
	Addr uint8 `yaml:"addr"`
	Sub  uint8 `yaml:"sub"`
	Val  uint8 `yaml:"val"`
}

// SALT configures the SALT ASICs.
type SALT struct {
	SCA   int         `yaml:"sca"`
	ASICs []int       `yaml:"asics"`
	Init  []InitWrite `yaml:"init"`
}

// Scan configures a phase scan and its selection.
type Scan struct {
	Pattern   uint8   `yaml:"pattern"`
	Agreement float64 `yaml:"agreement"`
	Tolerance int     `yaml:"tolerance"`
	MinRun    int     `yaml:"min_run"`
	Reads     int     `yaml:"reads"`
	Rotated   bool    `yaml:"rotated"`
}

// DB configures the phase history database.
type DB struct {
	DSN string `yaml:"dsn"`
}

// Default returns the default configuration.
func Default() *Config {
	tbl := dcb.DefaultPhaseTable()
	phases := make([]PhaseRegs, 0, len(tbl))
	for ch := 0; ch < elink.NumChannels; ch++ {
		ent := tbl[ch]
		phases = append(phases, PhaseRegs{Channel: ch, Regs: ent.Regs, Shift: ent.Shift})
	}
	seq := salt.DefaultInitSequence()
	writes := make([]InitWrite, len(seq))
	for i, w := range seq {
		writes[i] = InitWrite{Addr: w.Addr, Sub: w.Sub, Val: w.Val}
	}

	return &Config{
		Backend: BackendExec,
		Exec: ExecConfig{
			I2COp:   "i2c_op",
			SCATest: "sca_test",
			Settle:  200 * time.Millisecond,
			Freq:    100 * time.Millisecond,
		},
		Local: LocalConfig{
			Bus:  1,
			Pins: map[int]string{},
		},
		MemMon: MemMon{
			Device:  "/dev/minidaq-memmon",
			Base:    0,
			Fiber:   0x0,
			Options: 0x4,
			Memory:  0x1000,
			Frames:  memmon.DefaultFrames,
		},
		Guard: Guard{
			Attempts: guard.DefaultAttempts,
			Timeout:  guard.DefaultTimeout,
			Grace:    guard.DefaultGrace,
		},
		DCB: DCB{
			SCA:    0,
			Bus:    6,
			Slaves: []int{1, 2, 3, 4, 5, 6},
			GPIO:   []int{0, 1, 2, 3, 4, 5, 6},
			Phases: phases,
		},
		SALT: SALT{
			SCA:   0,
			ASICs: []int{0, 1, 2, 3},
			Init:  writes,
		},
		Scan: Scan{
			Pattern:   0xc4,
			Agreement: 1,
			MinRun:    phase.DefaultMinRun,
			Reads:     1,
		},
		TFC: Scan{
			Pattern:   0x04,
			Agreement: 1,
			Tolerance: 6,
			MinRun:    phase.DefaultMinRun,
			Reads:     1,
		},
	}
}

// Load reads a YAML configuration file over the default configuration.
func Load(fname string) (*Config, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("config: could not open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("config: could not load %q: %w", fname, err)
	}
	return cfg, nil
}

// Read decodes a YAML configuration over the default configuration.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: could not decode YAML: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write encodes the configuration as YAML.
func (cfg *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	err := enc.Encode(cfg)
	if err != nil {
		return fmt.Errorf("config: could not encode YAML: %w", err)
	}
	return enc.Close()
}

func invalid(what, format string, args ...any) error {
	return &phase.ValidationError{What: what, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the consistency of the configuration.
func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendExec, BackendLocal:
	default:
		return invalid("backend", "%q is neither %s nor %s", cfg.Backend, BackendExec, BackendLocal)
	}
	if cfg.Guard.Attempts < 1 {
		return invalid("guard", "attempts must be >= 1 (got=%d)", cfg.Guard.Attempts)
	}
	if cfg.Guard.Timeout < 0 {
		return invalid("guard", "negative timeout %v", cfg.Guard.Timeout)
	}
	if cfg.Guard.Grace < 0 {
		return invalid("guard", "negative grace period %v", cfg.Guard.Grace)
	}
	if cfg.MemMon.Frames <= 0 {
		return invalid("memmon", "frames must be > 0 (got=%d)", cfg.MemMon.Frames)
	}
	if len(cfg.DCB.Slaves) == 0 {
		return invalid("dcb", "no slave GBTx")
	}
	if err := cfg.PhaseTable().Validate(); err != nil {
		return err
	}
	if got := len(cfg.PhaseTable()); got != len(cfg.DCB.Phases) {
		return invalid("dcb", "duplicate channels in phase table")
	}
	if err := salt.ValidateASICs(cfg.SALT.ASICs); err != nil {
		return err
	}
	for _, sc := range []struct {
		name string
		v    Scan
	}{
		{"scan", cfg.Scan},
		{"tfc", cfg.TFC},
	} {
		if sc.v.Agreement <= 0 || sc.v.Agreement > 1 {
			return invalid(sc.name, "agreement must be in (0, 1] (got=%v)", sc.v.Agreement)
		}
		if sc.v.MinRun < 1 {
			return invalid(sc.name, "min_run must be >= 1 (got=%d)", sc.v.MinRun)
		}
		if sc.v.Reads < 1 {
			return invalid(sc.name, "reads must be >= 1 (got=%d)", sc.v.Reads)
		}
		if sc.v.Tolerance < 0 {
			return invalid(sc.name, "negative tolerance %d", sc.v.Tolerance)
		}
	}
	return nil
}

// PhaseTable returns the DCB elink phase register table.
func (cfg *Config) PhaseTable() dcb.PhaseTable {
	tbl := make(dcb.PhaseTable, len(cfg.DCB.Phases))
	for _, p := range cfg.DCB.Phases {
		tbl[p.Channel] = dcb.PhaseEntry{Regs: p.Regs, Shift: p.Shift}
	}
	return tbl
}

// DCBOptions returns the options of the DCB device model.
func (cfg *Config) DCBOptions(msg log.MsgStream) []dcb.Option {
	opts := []dcb.Option{
		dcb.WithSCA(cfg.DCB.SCA),
		dcb.WithBus(cfg.DCB.Bus),
		dcb.WithSlaves(cfg.DCB.Slaves...),
		dcb.WithGPIOLines(cfg.DCB.GPIO...),
		dcb.WithPhaseTable(cfg.PhaseTable()),
	}
	if msg != nil {
		opts = append(opts, dcb.WithMsgStream(msg))
	}
	return opts
}

// SALTOptions returns the options of the SALT device model.
func (cfg *Config) SALTOptions(msg log.MsgStream) []salt.Option {
	seq := make([]salt.Write, len(cfg.SALT.Init))
	for i, w := range cfg.SALT.Init {
		seq[i] = salt.Write{Reg: salt.Reg{Addr: w.Addr, Sub: w.Sub}, Val: w.Val}
	}
	opts := []salt.Option{
		salt.WithSCA(cfg.SALT.SCA),
		salt.WithASICs(cfg.SALT.ASICs...),
		salt.WithInitSequence(seq),
	}
	if msg != nil {
		opts = append(opts, salt.WithMsgStream(msg))
	}
	return opts
}

// GuardOptions returns the options of the guarded device operations.
func (cfg *Config) GuardOptions(msg log.MsgStream) []guard.Option {
	opts := []guard.Option{
		guard.WithAttempts(cfg.Guard.Attempts),
		guard.WithTimeout(cfg.Guard.Timeout),
		guard.WithGrace(cfg.Guard.Grace),
	}
	if msg != nil {
		opts = append(opts, guard.WithMsgStream(msg))
	}
	return opts
}

// Layout returns the memory monitor register layout.
func (cfg *Config) Layout() memmon.Layout {
	return memmon.Layout{
		Base:    cfg.MemMon.Base,
		Fiber:   cfg.MemMon.Fiber,
		Options: cfg.MemMon.Options,
		Memory:  cfg.MemMon.Memory,
		Frames:  cfg.MemMon.Frames,
	}
}

// Options returns the phase selection options.
func (sc Scan) Options() phase.Options {
	return phase.Options{
		Agreement: sc.Agreement,
		Tolerance: sc.Tolerance,
		MinRun:    sc.MinRun,
		Rotated:   sc.Rotated,
	}
}

// Channel opens the configured device command channel. The returned
// closer releases the resources of the channel.
func (cfg *Config) Channel(msg log.MsgStream) (gbt.Channel, io.Closer, error) {
	switch cfg.Backend {
	case BackendLocal:
		dev, err := gbt.NewLocal(cfg.Local.Bus, cfg.Local.Pins, msg)
		if err != nil {
			return nil, nil, fmt.Errorf("config: could not open local channel: %w", err)
		}
		return dev, dev, nil
	default:
		dev := gbt.NewExec()
		dev.I2COp = cfg.Exec.I2COp
		dev.SCATest = cfg.Exec.SCATest
		dev.Settle = cfg.Exec.Settle
		dev.Freq = cfg.Exec.Freq
		if msg != nil {
			dev.Msg = msg
		}
		if cfg.Exec.PMon == "" {
			return dev, nopCloser{}, nil
		}
		f, err := os.Create(cfg.Exec.PMon)
		if err != nil {
			return nil, nil, fmt.Errorf("config: could not create pmon file: %w", err)
		}
		dev.Monitor = f
		return dev, f, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
