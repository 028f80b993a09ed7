package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// TargetSample is one resource reading of the monitored target.
type TargetSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// TargetSampler periodically reads CPU and memory usage of the target and
// keeps the most recent readings in a ring buffer.
type TargetSampler struct {
	enabled  bool
	interval time.Duration

	mu      sync.RWMutex
	samples []TargetSample
	start   int
	count   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewTargetSampler(cfg SamplerConfig) *TargetSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &TargetSampler{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		samples:    make([]TargetSample, cfg.MaxHistory),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the monitored target."),
		memoryMB:   gauge("memory_mb", "Resident memory of the monitored target in MB."),
		numThreads: gauge("num_threads", "Number of threads of the monitored target."),
		numFDs:     gauge("num_fds", "Open file descriptors of the monitored target (Unix only)."),
	}
}

func (s *TargetSampler) Register(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx is done or Stop is called.
// A non-positive pid means no target is attached.
func (s *TargetSampler) Start(ctx context.Context, pid func() int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.collect(pid())
			}
		}
	}()
}

func (s *TargetSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *TargetSampler) collect(pid int32) {
	s.cpuPercent.Reset()
	s.memoryMB.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
	if pid <= 0 {
		return
	}
	sample, err := readSample(pid, time.Now())
	if err != nil {
		slog.Debug("sampling target failed", "pid", pid, "error", err)
		return
	}
	s.record(sample)
}

func (s *TargetSampler) record(sample TargetSample) {
	label := fmt.Sprint(sample.PID)
	s.cpuPercent.WithLabelValues(label).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(label).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(label).Set(float64(sample.NumThreads))
	if sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(label).Set(float64(sample.NumFDs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.samples)
	if s.count < size {
		s.samples[(s.start+s.count)%size] = sample
		s.count++
		return
	}
	s.samples[s.start] = sample
	s.start = (s.start + 1) % size
}

// Recent returns the buffered samples, oldest first.
func (s *TargetSampler) Recent() []TargetSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TargetSample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.samples[(s.start+i)%len(s.samples)])
	}
	return out
}

func readSample(pid int32, ts time.Time) (TargetSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return TargetSample{}, fmt.Errorf("process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return TargetSample{}, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	sample := TargetSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			sample.NumFDs = fds
		}
	}
	return sample, nil
}
