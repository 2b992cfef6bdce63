// Package monitoring serves the state of a host over HTTP for debugging.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"

	"github.com/sarchlab/hvmmu/hooking"
	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/host"
)

// A Monitor serves the state of a host as JSON.
type Monitor struct {
	host         *host.Host
	portNumber   int
	openBrowser  bool
	profileFor   time.Duration
	log          logrus.FieldLogger
	server       *http.Server
	progressLock sync.Mutex
	progressBars []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		profileFor: time.Second,
		log:        logrus.StandardLogger(),
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// not used, and a random port is picked instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.log.WithField("port", portNumber).
			Warn("monitor port not allowed, using a random port")

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the report in a browser.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileFor = d
	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(l logrus.FieldLogger) *Monitor {
	m.log = l
	return m
}

// RegisterHost sets the host to be monitored.
func (m *Monitor) RegisterHost(h *host.Host) {
	m.host = h
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := newProgressBar(name, total)

	m.progressLock.Lock()
	defer m.progressLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressLock.Lock()
	defer m.progressLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the HTTP routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/report", m.report).Methods(http.MethodGet)
	r.HandleFunc("/api/health", m.health).Methods(http.MethodGet)
	r.HandleFunc("/api/samples", m.samples).Methods(http.MethodGet)
	r.HandleFunc("/api/vms", m.listVMs).Methods(http.MethodGet)
	r.HandleFunc("/api/translate/{vmid}/{gpa}", m.translate).
		Methods(http.MethodGet)
	r.HandleFunc("/api/optimize", m.optimize).Methods(http.MethodPost)
	r.HandleFunc("/api/flush", m.flush).Methods(http.MethodPost)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts serving in the background and returns the address
// it listens on.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("monitoring server stopped")
		}
	}()

	fmt.Fprintf(os.Stderr, "Monitoring translation with %s\n", addr)

	if m.openBrowser {
		if err := browser.OpenURL(addr + "/api/report"); err != nil {
			m.log.WithError(err).Warn("cannot open browser")
		}
	}

	return addr, nil
}

// StopServer shuts the server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, host.ErrUnknownVM):
		status = http.StatusNotFound
	case errors.Is(err, host.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	}

	http.Error(w, err.Error(), status)
}

func (m *Monitor) report(w http.ResponseWriter, _ *http.Request) {
	r, err := m.host.Report()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, r)
}

func (m *Monitor) health(w http.ResponseWriter, _ *http.Request) {
	h, err := m.host.Health()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, h)
}

func (m *Monitor) samples(w http.ResponseWriter, _ *http.Request) {
	t := m.host.TLB()
	if t == nil {
		writeError(w, host.ErrNotInitialized)
		return
	}

	writeJSON(w, t.Samples())
}

func (m *Monitor) listVMs(w http.ResponseWriter, _ *http.Request) {
	r, err := m.host.Report()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, r.VMs)
}

type translateRsp struct {
	GPA          string `json:"gpa"`
	HostPhysAddr string `json:"hpa,omitempty"`
	Permissions  string `json:"permissions,omitempty"`
	PageSize     uint64 `json:"page_size,omitempty"`
	TLBHit       bool   `json:"tlb_hit"`
	CacheHit     bool   `json:"cache_hit"`
	Fault        string `json:"fault,omitempty"`
}

func (m *Monitor) translate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	vmid, err := strconv.ParseUint(vars["vmid"], 0, 16)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	gpa, err := strconv.ParseUint(vars["gpa"], 0, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v, err := m.host.VM(vm.VMID(vmid))
	if err != nil {
		writeError(w, err)
		return
	}

	rsp := translateRsp{GPA: fmt.Sprintf("0x%x", gpa)}

	res, err := v.GStage().Translate(gpa)
	if err != nil {
		rsp.Fault = err.Error()
		writeJSON(w, rsp)

		return
	}

	rsp.HostPhysAddr = fmt.Sprintf("0x%x", res.HostPhysAddr)
	rsp.Permissions = res.Permissions.String()
	rsp.PageSize = res.PageSize
	rsp.TLBHit = res.TLBHit
	rsp.CacheHit = res.CacheHit

	writeJSON(w, rsp)
}

func (m *Monitor) optimize(w http.ResponseWriter, _ *http.Request) {
	t := m.host.TLB()
	if t == nil {
		writeError(w, host.ErrNotInitialized)
		return
	}

	writeJSON(w, t.Optimize())
}

func (m *Monitor) flush(w http.ResponseWriter, _ *http.Request) {
	n, err := m.host.FlushAll()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]int{"removed": n})
}

// components lists what can be inspected by name.
func (m *Monitor) components() []hooking.Hookable {
	t := m.host.TLB()
	if t == nil {
		return nil
	}

	comps := []hooking.Hookable{t}
	for _, vmid := range m.host.VMIDs() {
		v, err := m.host.VM(vmid)
		if err != nil {
			continue
		}

		comps = append(comps, v.GStage(), v.TwoStage())
	}

	return comps
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	comps := m.components()

	names := make([]string, 0, len(comps))
	for _, c := range comps {
		names = append(names, c.Name())
	}

	writeJSON(w, names)
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) hooking.Hookable {
	for _, c := range m.components() {
		if c.Name() == name {
			return c
		}
	}

	http.Error(w, "Component not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	err := serializer.Serialize(w)
	if err != nil {
		m.log.WithError(err).Warn("cannot serialize component")
	}
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

type fieldRsp struct {
	Kind  string `json:"kind"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	elem, err := m.walkFields(component, req.FieldName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, fieldRsp{
		Kind:  elem.Kind().String(),
		Type:  elem.Type().String(),
		Value: fmt.Sprintf("%v", elem),
	})
}

type fieldFormatError struct {
	field string
}

func (e fieldFormatError) Error() string {
	return "cannot walk field " + e.field
}

func (m *Monitor) walkFields(
	comp any,
	fields string,
) (reflect.Value, error) {
	elem := reflect.ValueOf(comp)

	fieldNames := strings.Split(fields, ".")

	for len(fieldNames) > 0 {
		switch elem.Kind() {
		case reflect.Ptr, reflect.Interface:
			if elem.IsNil() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			elem = elem.Elem()
		case reflect.Struct:
			elem = elem.FieldByName(fieldNames[0])
			if !elem.IsValid() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			fieldNames = fieldNames[1:]
		case reflect.Slice:
			index, err := strconv.Atoi(fieldNames[0])
			if err != nil || index < 0 || index >= elem.Len() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			elem = elem.Index(index)
			fieldNames = fieldNames[1:]
		default:
			return elem, fieldFormatError{fieldNames[0]}
		}
	}

	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	return elem, nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressLock.Lock()
	status := make([]ProgressStatus, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		status = append(status, b.Status())
	}
	m.progressLock.Unlock()

	writeJSON(w, status)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		writeError(w, err)
		return
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		writeError(w, err)
		return
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		writeError(w, err)
		return
	}

	time.Sleep(m.profileFor)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, prof)
}
