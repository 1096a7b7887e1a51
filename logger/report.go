package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsReader    int64
	errorsWriter    int64
	errorsDiscovery int64
	warnsReader     int64
	warnsWriter     int64
	warnsDiscovery  int64
	tradeReads      int64
	streamPublishes int64
	reconnects      int64
	streams         sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsReader, 1)
	} else if strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsWriter, 1)
	} else if strings.Contains(component, "discovery") {
		atomic.AddInt64(&warnsDiscovery, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsReader, 1)
	} else if strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsWriter, 1)
	} else if strings.Contains(component, "discovery") {
		atomic.AddInt64(&errorsDiscovery, 1)
	}
}

func IncrementTradeRead(size int) {
	atomic.AddInt64(&tradeReads, 1)
	recordStream("trade_ws", size)
}

func IncrementStreamPublish(size int) {
	atomic.AddInt64(&streamPublishes, 1)
	recordStream("redis_publish", size)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func RecordStreamMessage(name string, size int) {
	recordStream(name, size)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	ss := v.(*streamStat)
	atomic.AddInt64(&ss.messages, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and stream statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&ss.messages),
			"bytes":    atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_reader":    atomic.LoadInt64(&errorsReader),
		"errors_writer":    atomic.LoadInt64(&errorsWriter),
		"errors_discovery": atomic.LoadInt64(&errorsDiscovery),
		"warns_reader":     atomic.LoadInt64(&warnsReader),
		"warns_writer":     atomic.LoadInt64(&warnsWriter),
		"warns_discovery":  atomic.LoadInt64(&warnsDiscovery),
		"trade_reads":      atomic.LoadInt64(&tradeReads),
		"stream_publishes": atomic.LoadInt64(&streamPublishes),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"streams":          streamData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("GQ-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-ErrorsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_reader"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-ErrorsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_writer"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-ErrorsDiscovery"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_discovery"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-WarnsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_reader"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-WarnsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_writer"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-TradeReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["trade_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-StreamPublishes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_publishes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("GQ-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("GQ-StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("GQ-StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
