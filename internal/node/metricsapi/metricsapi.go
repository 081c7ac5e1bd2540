// Package metricsapi produces the node's composite /api/metrics snapshot
// using gopsutil, caching the expensive parts for 5s (spec §4.8).
// Grounded on jameqq-XrayRP's use of shirou/gopsutil/v3 for host
// introspection; the TCP-state histogram parser follows the same
// hostexec-free, stdlib-file-read idiom as internal/node/traffic's
// /proc/net/dev reader.
package metricsapi

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/shirou/gopsutil/v3/mem"
)

const cacheTTL = 5 * time.Second

type Snapshot struct {
	CPUModel      string             `json:"cpu_model"`
	CPUPerCore    []float64          `json:"cpu_per_core"`
	LoadAvg1      float64            `json:"load_avg_1"`
	LoadAvg5      float64            `json:"load_avg_5"`
	LoadAvg15     float64            `json:"load_avg_15"`
	RAMPercent    float64            `json:"ram_percent"`
	RAMUsedBytes  uint64             `json:"ram_used_bytes"`
	RAMTotalBytes uint64             `json:"ram_total_bytes"`
	SwapPercent   float64            `json:"swap_percent"`
	Disks         []DiskInfo         `json:"disks"`
	Interfaces    []InterfaceCounter `json:"interfaces"`
	TopProcesses  []ProcessInfo      `json:"top_processes"`
	TCPStates     TCPHistogram       `json:"tcp_states"`
	UDPSockets    int                `json:"udp_sockets"`
	UptimeSeconds uint64             `json:"uptime_seconds"`
	TimezoneOffset int               `json:"timezone_offset_seconds"`
}

type DiskInfo struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	UsedPct    float64 `json:"used_percent"`
	ReadBytes  uint64  `json:"read_bytes"`
	WriteBytes uint64  `json:"write_bytes"`
}

type InterfaceCounter struct {
	Name      string `json:"name"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
}

type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float32 `json:"mem_percent"`
}

type TCPHistogram struct {
	Established int `json:"established"`
	Listen      int `json:"listen"`
	TimeWait    int `json:"time_wait"`
	CloseWait   int `json:"close_wait"`
	SynSent     int `json:"syn_sent"`
	SynRecv     int `json:"syn_recv"`
	FinWait     int `json:"fin_wait"`
	Other       int `json:"other"`
}

type cacheEntry struct {
	expensive expensiveParts
	at        time.Time
}

type expensiveParts struct {
	topProcesses []ProcessInfo
	tcp          TCPHistogram
	udpSockets   int
	cpuModel     string
}

type Producer struct {
	mu    sync.Mutex
	cache cacheEntry
}

func New() *Producer { return &Producer{} }

func (p *Producer) expensive() expensiveParts {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.cache.at) < cacheTTL {
		return p.cache.expensive
	}
	e := expensiveParts{
		topProcesses: topProcesses(10),
		tcp:          tcpHistogram("/proc/net/tcp"),
		udpSockets:   udpSocketCount(),
		cpuModel:     cpuModel(),
	}
	e.tcp = mergeHistograms(e.tcp, tcpHistogram("/proc/net/tcp6"))
	p.cache = cacheEntry{expensive: e, at: time.Now()}
	return e
}

// Collect builds the full composite snapshot.
func (p *Producer) Collect() Snapshot {
	e := p.expensive()

	var snap Snapshot
	snap.CPUModel = e.cpuModel
	if perc, err := cpu.Percent(0, true); err == nil {
		snap.CPUPerCore = perc
	}
	if avg, err := host.Info(); err == nil {
		snap.UptimeSeconds = avg.Uptime
	}
	if la, err := loadAvg(); err == nil {
		snap.LoadAvg1, snap.LoadAvg5, snap.LoadAvg15 = la[0], la[1], la[2]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.RAMPercent = vm.UsedPercent
		snap.RAMUsedBytes = vm.Used
		snap.RAMTotalBytes = vm.Total
	}
	if sm, err := mem.SwapMemory(); err == nil {
		snap.SwapPercent = sm.UsedPercent
	}
	snap.Disks = diskInfo()
	snap.Interfaces = interfaceCounters()
	snap.TopProcesses = e.topProcesses
	snap.TCPStates = e.tcp
	snap.UDPSockets = e.udpSockets
	_, offset := time.Now().Zone()
	snap.TimezoneOffset = offset
	return snap
}

func cpuModel() string {
	info, err := cpu.Info()
	if err != nil || len(info) == 0 {
		return ""
	}
	return info[0].ModelName
}

func loadAvg() ([3]float64, error) {
	return loadAvgImpl()
}

func diskInfo() []DiskInfo {
	parts, err := disk.Partitions(false)
	if err != nil {
		return nil
	}
	var out []DiskInfo
	ioCounters, _ := disk.IOCounters()
	for _, part := range parts {
		usage, err := disk.Usage(part.Mountpoint)
		if err != nil {
			continue
		}
		di := DiskInfo{Device: part.Device, Mountpoint: part.Mountpoint, UsedPct: usage.UsedPercent}
		if c, ok := ioCounters[deviceBase(part.Device)]; ok {
			di.ReadBytes = c.ReadBytes
			di.WriteBytes = c.WriteBytes
		}
		out = append(out, di)
	}
	return out
}

func deviceBase(dev string) string {
	i := strings.LastIndex(dev, "/")
	if i < 0 {
		return dev
	}
	return dev[i+1:]
}

func interfaceCounters() []InterfaceCounter {
	counters, err := gnet.IOCounters(true)
	if err != nil {
		return nil
	}
	out := make([]InterfaceCounter, 0, len(counters))
	for _, c := range counters {
		out = append(out, InterfaceCounter{
			Name: c.Name, RxBytes: c.BytesRecv, TxBytes: c.BytesSent,
			RxPackets: c.PacketsRecv, TxPackets: c.PacketsSent,
			RxErrors: c.Errin, TxErrors: c.Errout,
			RxDropped: c.Dropin, TxDropped: c.Dropout,
		})
	}
	return out
}

func topProcesses(n int) []ProcessInfo {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		name, _ := proc.Name()
		cpuPct, _ := proc.CPUPercent()
		memPct, _ := proc.MemoryPercent()
		infos = append(infos, ProcessInfo{PID: proc.Pid, Name: name, CPUPercent: cpuPct, MemPercent: memPct})
	}
	// Selection: keep the n entries with the highest CPU, insertion-sorted
	// since n is small (top-10) and proc counts are modest.
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].CPUPercent > infos[j-1].CPUPercent; j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
	if len(infos) > n {
		infos = infos[:n]
	}
	return infos
}

// tcpHistogram parses /proc/net/tcp{,6} state column 3 (hex) into the
// spec's named buckets.
func tcpHistogram(path string) TCPHistogram {
	f, err := os.Open(path)
	if err != nil {
		return TCPHistogram{}
	}
	defer f.Close()

	var h TCPHistogram
	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		state, err := strconv.ParseInt(fields[3], 16, 32)
		if err != nil {
			continue
		}
		switch state {
		case 0x01:
			h.Established++
		case 0x0A:
			h.Listen++
		case 0x06:
			h.TimeWait++
		case 0x08:
			h.CloseWait++
		case 0x02:
			h.SynSent++
		case 0x03:
			h.SynRecv++
		case 0x04, 0x05:
			h.FinWait++
		default:
			h.Other++
		}
	}
	return h
}

func mergeHistograms(a, b TCPHistogram) TCPHistogram {
	return TCPHistogram{
		Established: a.Established + b.Established,
		Listen:      a.Listen + b.Listen,
		TimeWait:    a.TimeWait + b.TimeWait,
		CloseWait:   a.CloseWait + b.CloseWait,
		SynSent:     a.SynSent + b.SynSent,
		SynRecv:     a.SynRecv + b.SynRecv,
		FinWait:     a.FinWait + b.FinWait,
		Other:       a.Other + b.Other,
	}
}

func udpSocketCount() int {
	count := 0
	for _, path := range []string{"/proc/net/udp", "/proc/net/udp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Scan()
		for sc.Scan() {
			count++
		}
		f.Close()
	}
	return count
}

func loadAvgImpl() ([3]float64, error) {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return [3]float64{}, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < 3 {
		return [3]float64{}, nil
	}
	var out [3]float64
	out[0], _ = strconv.ParseFloat(fields[0], 64)
	out[1], _ = strconv.ParseFloat(fields[1], 64)
	out[2], _ = strconv.ParseFloat(fields[2], 64)
	return out, nil
}
