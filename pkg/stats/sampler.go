// Package stats samples a running container's resource usage into a rolling
// time series.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"gamehost/pkg/docker"
	"gamehost/pkg/model"
)

// Retention is how far back samples are kept; older ones are pruned when a sampler starts.
const Retention = time.Hour

// Source opens the engine's live stats stream.
type Source interface {
	Stats(ctx context.Context, id string) (*docker.Stream, docker.Result, error)
}

type Store interface {
	AppendStat(ctx context.Context, s model.StatSample) error
	PruneStats(ctx context.Context, serverID string, before time.Time) error
}

type Sampler struct {
	src   Source
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewSampler(src Source, store Store, log *zap.Logger) *Sampler {
	return &Sampler{src: src, store: store, log: log, now: time.Now}
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  int    `json:"online_cpus"`
}

type engineStats struct {
	Read        time.Time `json:"read"`
	CPUStats    cpuStats  `json:"cpu_stats"`
	PreCPUStats cpuStats  `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Limit uint64            `json:"limit"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

// Run consumes the stats stream until it ends. It returns nil when the stream
// ends or ctx is cancelled and the transport error otherwise. It never retries.
func (s *Sampler) Run(ctx context.Context, serverID, containerID string) error {
	if err := s.store.PruneStats(ctx, serverID, s.now().Add(-Retention)); err != nil {
		s.log.Warn("prune stats failed", zap.String("server", serverID), zap.Error(err))
	}
	stream, res, err := s.src.Stats(ctx, containerID)
	if err != nil {
		s.log.Error("stats stream open failed", zap.String("server", serverID), zap.Error(err))
		return err
	}
	if !res.OK() {
		s.log.Warn("stats stream unavailable", zap.String("server", serverID),
			zap.String("outcome", string(res.Outcome)), zap.Int("status", res.HTTPStatus))
		return res.Err()
	}
	defer stream.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	var in, out Counter
	dec := json.NewDecoder(stream)
	for {
		var raw engineStats
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				s.log.Debug("stats stream ended", zap.String("server", serverID))
				return nil
			}
			s.log.Error("stats stream failed", zap.String("server", serverID), zap.Error(err))
			return fmt.Errorf("decode stats: %w", err)
		}
		sample := normalize(serverID, raw, &in, &out)
		if sample.Timestamp.IsZero() {
			sample.Timestamp = s.now()
		}
		if err := s.store.AppendStat(ctx, sample); err != nil {
			s.log.Warn("append stat failed", zap.String("server", serverID), zap.Error(err))
		}
	}
}

func normalize(serverID string, raw engineStats, in, out *Counter) model.StatSample {
	var rx, tx uint64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	cpus := raw.CPUStats.OnlineCPUs
	if cpus == 0 {
		cpus = len(raw.CPUStats.CPUUsage.PercpuUsage)
	}
	var cpuPct float64
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpuPct = cpuDelta / sysDelta * float64(cpus) * 100
	}
	mem := raw.MemoryStats.Usage
	cache := raw.MemoryStats.Stats["cache"]
	if v, ok := raw.MemoryStats.Stats["inactive_file"]; ok {
		cache = v
	}
	if cache < mem {
		mem -= cache
	}
	return model.StatSample{
		ServerID:        serverID,
		Timestamp:       raw.Read,
		CPUUsage:        cpuPct,
		CPUCount:        cpus,
		RAMUsage:        mem,
		RAMAvailable:    raw.MemoryStats.Limit,
		NetworkInDelta:  in.Delta(rx),
		NetworkOutDelta: out.Delta(tx),
	}
}
