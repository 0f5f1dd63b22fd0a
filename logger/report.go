package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type sourceStat struct {
	frames int64
	bytes  int64
}

var (
	warnCounts  sync.Map // map[string]*int64 keyed by component
	errorCounts sync.Map // map[string]*int64 keyed by component
	sources     sync.Map // map[string]*sourceStat keyed by exchange
	desyncs     int64
	reconnects  int64
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warnCounts, component)
}

func recordError(component string) {
	bump(&errorCounts, component)
}

// RecordFrame counts one inbound frame for an exchange.
func RecordFrame(exchange string, size int) {
	v, _ := sources.LoadOrStore(exchange, &sourceStat{})
	st := v.(*sourceStat)
	atomic.AddInt64(&st.frames, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

// RecordDesync counts one detected book desynchronisation.
func RecordDesync() {
	atomic.AddInt64(&desyncs, 1)
}

// RecordReconnect counts one reconnect attempt.
func RecordReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport begins periodic logging of runtime and frame statistics until
// ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsed := uint64(0)
	if memStats != nil {
		memUsed = memStats.Used
	}

	sourceData := map[string]map[string]int64{}
	names := []string{}
	sources.Range(func(k, v any) bool {
		name := k.(string)
		st := v.(*sourceStat)
		sourceData[name] = map[string]int64{
			"frames": atomic.LoadInt64(&st.frames),
			"bytes":  atomic.LoadInt64(&st.bytes),
		}
		names = append(names, name)
		return true
	})
	sort.Strings(names)

	fields := Fields{
		"warns":       snapshotCounts(&warnCounts),
		"errors":      snapshotCounts(&errorCounts),
		"desyncs":     atomic.LoadInt64(&desyncs),
		"reconnects":  atomic.LoadInt64(&reconnects),
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memUsed) / 1024 / 1024,
		"sources":     sourceData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("Desyncs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["desyncs"].(int64)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
	}
	for _, name := range names {
		dims := []cwtypes.Dimension{{Name: aws.String("Exchange"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("FramesReceived"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(sourceData[name]["frames"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("BytesReceived"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: dims,
				Value:      aws.Float64(float64(sourceData[name]["bytes"])),
			},
		)
	}

	publishMetrics(data)
}
