package source

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Host reads this machine's counters directly through gopsutil. The window is
// ignored because every reading is current.
type Host struct {
	now func() time.Time
}

// NewHost returns a host source.
func NewHost() *Host {
	return &Host{now: time.Now}
}

func (h *Host) Latest(ctx context.Context, measurement string, _ time.Duration) (*models.Point, error) {
	p := &models.Point{Measurement: measurement, Time: h.now().UTC()}
	switch measurement {
	case MeasurementCPU:
		// interval 0 reports usage since the previous call
		percent, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return nil, fmt.Errorf("cpu percent: %w", err)
		}
		if len(percent) == 0 {
			return nil, ErrNoData
		}
		p.Fields = map[string]float64{FieldUsageIdle: 100 - percent[0]}
	case MeasurementMemory:
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("virtual memory: %w", err)
		}
		p.Fields = map[string]float64{FieldUsedPercent: vm.UsedPercent}
	case MeasurementNetwork:
		stats, err := psnet.IOCountersWithContext(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("net io counters: %w", err)
		}
		if len(stats) == 0 {
			return nil, ErrNoData
		}
		p.Fields = map[string]float64{FieldBytesRecv: float64(stats[0].BytesRecv)}
	default:
		return nil, fmt.Errorf("unknown measurement %q", measurement)
	}
	return p, nil
}
