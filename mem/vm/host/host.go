// Package host keeps the virtual machines of a hypervisor and the
// translation state they share.
package host

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/gstage"
	"github.com/sarchlab/hvmmu/mem/vm/hwtlb"
	"github.com/sarchlab/hvmmu/mem/vm/tlbmgr"
	"github.com/sarchlab/hvmmu/mem/vm/twostage"
)

var _ gstage.TLB = (*tlbmgr.Manager)(nil)
var _ twostage.NestedTLB = (*tlbmgr.Manager)(nil)

// Errors returned by a Host.
var (
	ErrNotInitialized = errors.New("host is not initialized")
	ErrUnknownVM      = errors.New("unknown vm")
	ErrVMIDExhausted  = errors.New("no vmid left")
	ErrNoActiveVM     = errors.New("no active vm")
)

// A VM is the translation state of one guest.
type VM struct {
	vmid     vm.VMID
	gstage   *gstage.Translator
	twostage *twostage.Translator
}

// VMID returns the VMID of the guest.
func (v *VM) VMID() vm.VMID {
	return v.vmid
}

// GStage returns the G-stage translator of the guest.
func (v *VM) GStage() *gstage.Translator {
	return v.gstage
}

// TwoStage returns the two-stage translator of the guest.
func (v *VM) TwoStage() *twostage.Translator {
	return v.twostage
}

// A Host owns the VMs, the TLB manager and the hardware TLB.
type Host struct {
	lock sync.RWMutex

	mem       gstage.PhysicalMemory
	hw        *hwtlb.HardwareTLB
	detector  *format.Detector
	tlb       *tlbmgr.Manager
	stage1    twostage.Stage1Translator
	cacheSize int
	log       logrus.FieldLogger

	vmids  *vmidPool
	vms    map[vm.VMID]*VM
	active vm.VMID
}

// ready reports if the host was built. A nil or zero-value Host is not.
func (h *Host) ready() bool {
	return h != nil && h.tlb != nil && h.detector != nil && h.hw != nil &&
		h.vmids != nil && h.vms != nil
}

// TLB returns the TLB manager shared by all VMs.
func (h *Host) TLB() *tlbmgr.Manager {
	if h == nil {
		return nil
	}

	return h.tlb
}

// Hardware returns the hardware TLB.
func (h *Host) Hardware() *hwtlb.HardwareTLB {
	if h == nil {
		return nil
	}

	return h.hw
}

// Detector returns the format detector.
func (h *Host) Detector() *format.Detector {
	if h == nil {
		return nil
	}

	return h.detector
}

// CreateVM creates a VM in the best mode the platform supports.
func (h *Host) CreateVM(root uint64) (vm.VMID, error) {
	if !h.ready() {
		return 0, ErrNotInitialized
	}

	return h.CreateVMWithMode(root, format.ModeOf(h.detector.Best()))
}

// CreateVMWithMode creates a VM whose G-stage table at root is in the given
// mode. The first VM created becomes the active one.
func (h *Host) CreateVMWithMode(root uint64, mode format.Mode) (vm.VMID, error) {
	if !h.ready() {
		return 0, ErrNotInitialized
	}

	if err := h.checkMode(mode); err != nil {
		return 0, err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	vmid, ok := h.vmids.alloc()
	if !ok {
		return 0, ErrVMIDExhausted
	}

	g := gstage.MakeBuilder().
		WithMemory(h.mem).
		WithHardware(h.hw).
		WithTLB(h.tlb).
		WithDetector(h.detector).
		WithCacheSize(h.cacheSize).
		WithLogger(h.log).
		Build(vmid, root, mode)

	h.vms[vmid] = &VM{
		vmid:   vmid,
		gstage: g,
		twostage: twostage.MakeBuilder().
			WithStage1(h.stage1).
			WithTLB(h.tlb).
			WithLogger(h.log).
			Build(g),
	}

	if h.active == 0 {
		h.active = vmid
		g.Activate()
	}

	h.log.WithFields(logrus.Fields{
		"vmid": vmid,
		"root": fmt.Sprintf("0x%x", root),
		"mode": mode,
	}).Info("vm created")

	return vmid, nil
}

func (h *Host) checkMode(mode format.Mode) error {
	f := mode.Format()
	if f == format.Bare || h.detector.IsSupported(f) {
		return nil
	}

	return fmt.Errorf("%w: %s", format.ErrUnsupportedFormat, f)
}

// DestroyVM drops every cached translation of a VM and frees its VMID.
func (h *Host) DestroyVM(vmid vm.VMID) error {
	if !h.ready() {
		return ErrNotInitialized
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	v, ok := h.vms[vmid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVM, vmid)
	}

	removed := v.gstage.InvalidateAll()
	delete(h.vms, vmid)
	h.vmids.free(vmid)

	if h.active == vmid {
		h.active = 0
		h.hw.WriteRootPointer(0)
	}

	h.log.WithFields(logrus.Fields{
		"vmid":    vmid,
		"removed": removed,
	}).Info("vm destroyed")

	return nil
}

// VM returns a VM by VMID.
func (h *Host) VM(vmid vm.VMID) (*VM, error) {
	if !h.ready() {
		return nil, ErrNotInitialized
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.vmLocked(vmid)
}

func (h *Host) vmLocked(vmid vm.VMID) (*VM, error) {
	v, ok := h.vms[vmid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVM, vmid)
	}

	return v, nil
}

// VMIDs returns the VMIDs in use, in ascending order.
func (h *Host) VMIDs() []vm.VMID {
	if !h.ready() {
		return nil
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	return slices.Sorted(maps.Keys(h.vms))
}

// ActiveVM returns the VMID whose G-stage table hgatp points to.
func (h *Host) ActiveVM() (vm.VMID, error) {
	if !h.ready() {
		return 0, ErrNotInitialized
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	if h.active == 0 {
		return 0, ErrNoActiveVM
	}

	return h.active, nil
}

// SetActiveVM points hgatp at the G-stage table of a VM.
func (h *Host) SetActiveVM(vmid vm.VMID) error {
	if !h.ready() {
		return ErrNotInitialized
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	v, err := h.vmLocked(vmid)
	if err != nil {
		return err
	}

	v.gstage.Activate()
	h.active = vmid

	h.log.WithField("vmid", vmid).Debug("vm activated")

	return nil
}

// TranslateGPA translates a guest physical address of the active VM.
func (h *Host) TranslateGPA(gpa uint64) (gstage.Result, error) {
	if !h.ready() {
		return gstage.Result{}, ErrNotInitialized
	}

	h.lock.RLock()
	v, ok := h.vms[h.active]
	h.lock.RUnlock()

	if !ok {
		return gstage.Result{}, ErrNoActiveVM
	}

	return v.gstage.Translate(gpa)
}

// TranslateBulk translates guest physical addresses of a VM in order,
// preloading the software TLB with the pages that follow a miss. Faults are
// reported per address in the results.
func (h *Host) TranslateBulk(
	vmid vm.VMID,
	gpas []uint64,
) ([]gstage.BatchResult, error) {
	v, err := h.VM(vmid)
	if err != nil {
		return nil, err
	}

	return v.gstage.TranslateBatch(gpas), nil
}

// TranslateGVA translates a guest virtual address of a VM through the
// guest's stage 1, described by vsatp, and the G-stage.
func (h *Host) TranslateGVA(
	vmid vm.VMID,
	gva, vsatp uint64,
) (twostage.Result, error) {
	v, err := h.VM(vmid)
	if err != nil {
		return twostage.Result{}, err
	}

	return v.twostage.Translate(gva, vsatp)
}

// ConfigureGStage points a VM at a new G-stage table. The active VM keeps
// hgatp.
func (h *Host) ConfigureGStage(
	vmid vm.VMID,
	root uint64,
	mode format.Mode,
) error {
	if !h.ready() {
		return ErrNotInitialized
	}

	if err := h.checkMode(mode); err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	v, err := h.vmLocked(vmid)
	if err != nil {
		return err
	}

	v.gstage.Configure(vmid, root, mode)

	if h.active != vmid {
		if a, ok := h.vms[h.active]; ok {
			a.gstage.Activate()
		} else {
			h.hw.WriteRootPointer(0)
		}
	}

	return nil
}

// InvalidateGPA drops the translations of [gpa, gpa+size) of a VM and
// fences the hardware. A size of zero means one page.
func (h *Host) InvalidateGPA(vmid vm.VMID, gpa, size uint64) (int, error) {
	v, err := h.VM(vmid)
	if err != nil {
		return 0, err
	}

	return v.gstage.Invalidate(gpa, size), nil
}

// InvalidateVMID drops every translation of a VM and fences its VMID.
func (h *Host) InvalidateVMID(vmid vm.VMID) (int, error) {
	v, err := h.VM(vmid)
	if err != nil {
		return 0, err
	}

	return v.gstage.InvalidateAll(), nil
}

// FlushAll drops every translation of every VM with a single fence.
func (h *Host) FlushAll() (int, error) {
	if !h.ready() {
		return 0, ErrNotInitialized
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	removed := 0
	for _, v := range h.vms {
		if c := v.gstage.Cache(); c != nil {
			removed += c.InvalidateAll()
		}
	}

	removed += h.tlb.FlushAll()

	h.log.WithField("removed", removed).Info("all translations flushed")

	return removed, nil
}

// Maintenance is the outcome of one Maintain call.
type Maintenance struct {
	// Prefetched is the number of G-stage prefetch requests served.
	Prefetched int
	Sample     tlbmgr.Sample
}

// Maintain serves the queued G-stage prefetches of every VM and takes a TLB
// sample, which may trigger an optimisation pass.
func (h *Host) Maintain() (Maintenance, error) {
	if !h.ready() {
		return Maintenance{}, ErrNotInitialized
	}

	h.lock.RLock()
	vms := slices.Collect(maps.Values(h.vms))
	h.lock.RUnlock()

	m := Maintenance{}
	for _, v := range vms {
		m.Prefetched += v.gstage.ProcessPrefetches()
	}

	m.Sample = h.tlb.Sample()

	return m, nil
}

// VMReport describes one VM.
type VMReport struct {
	VMID        vm.VMID
	Mode        format.Mode
	RootTable   uint64
	RootPointer uint64
	Active      bool
	GStage      gstage.Stats
}

// A Report describes the translation state of the host.
type Report struct {
	VMs       []VMReport
	Available int
	TLB       tlbmgr.Report
	Hardware  hwtlb.Stats
	Detection format.DetectionStats
}

// Report returns a report of the host.
func (h *Host) Report() (Report, error) {
	if !h.ready() {
		return Report{}, ErrNotInitialized
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	r := Report{
		Available: h.vmids.available(),
		TLB:       h.tlb.GenerateReport(),
		Hardware:  h.hw.Stats(),
		Detection: h.detector.Stats(),
	}

	for _, vmid := range slices.Sorted(maps.Keys(h.vms)) {
		g := h.vms[vmid].gstage
		r.VMs = append(r.VMs, VMReport{
			VMID:        vmid,
			Mode:        g.Mode(),
			RootTable:   g.RootTable(),
			RootPointer: g.RootPointer(),
			Active:      vmid == h.active,
			GStage:      g.Stats(),
		})
	}

	return r, nil
}

// Health scores the TLBs.
func (h *Host) Health() (tlbmgr.Health, error) {
	if !h.ready() {
		return tlbmgr.Health{}, ErrNotInitialized
	}

	return h.tlb.HealthMetrics(), nil
}
