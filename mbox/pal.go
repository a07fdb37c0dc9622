package mbox

// PALcode reaches the Mbox IPRs through HW_MTPR/HW_MFPR; these methods are
// that surface. DTB fills pair a tag write with the PTE write that
// completes them, mirroring the hardware's two-register fill protocol.

// WriteDtbTag0 latches the virtual address for the next DTB fill on port 0.
func (m *Mbox) WriteDtbTag0(tag DtbTag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbTag0 = tag
}

// WriteDtbTag1 latches the virtual address for the next DTB fill on port 1.
func (m *Mbox) WriteDtbTag1(tag DtbTag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbTag1 = tag
}

// WriteDtbPte0 completes a port-0 DTB fill with the latched tag.
func (m *Mbox) WriteDtbPte0(pte DtbPTE) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbPte0 = pte
	m.dtb.Fill(m.iprs.DtbTag0, pte, m.iprs.DtbAsn0.ASN)
	m.signalLocked()
}

// WriteDtbPte1 completes a port-1 DTB fill with the latched tag.
func (m *Mbox) WriteDtbPte1(pte DtbPTE) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbPte1 = pte
	m.dtb.Fill(m.iprs.DtbTag1, pte, m.iprs.DtbAsn1.ASN)
	m.signalLocked()
}

// WriteDtbIS0 invalidates the single DTB entry matching the address.
func (m *Mbox) WriteDtbIS0(is DtbIS) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbIs0 = is
	m.dtb.Invalidate(is.VA)
}

// WriteDtbIS1 invalidates the single DTB entry matching the address.
func (m *Mbox) WriteDtbIS1(is DtbIS) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbIs1 = is
	m.dtb.Invalidate(is.VA)
}

// WriteDtbASN0 installs the current address space number for port 0.
func (m *Mbox) WriteDtbASN0(asn DtbASN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbAsn0 = asn
}

// WriteDtbASN1 installs the current address space number for port 1.
func (m *Mbox) WriteDtbASN1(asn DtbASN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbAsn1 = asn
}

// WriteDtbAltMode sets the alternate processor mode register. Translation
// uses the mode set by SetMode; the alternate mode is held for readback and
// is not consulted.
func (m *Mbox) WriteDtbAltMode(alt DtbAltMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DtbAltMode = alt
}

// WriteMCtl sets the Mbox control register.
func (m *Mbox) WriteMCtl(ctl MCtl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.MCtl = ctl
}

// WriteDcCtl sets the Dcache control register and propagates the way
// enable mask.
func (m *Mbox) WriteDcCtl(ctl DcCtl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iprs.DcCtl = ctl
	m.dcache.SetWayEnable(ctl.SetEn)
}

// ReadMMStat returns the latched fault status.
func (m *Mbox) ReadMMStat() MMStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iprs.MMStat
}

// ReadDcCtl returns the Dcache control register.
func (m *Mbox) ReadDcCtl() DcCtl {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iprs.DcCtl
}

// ReadDcStat returns the Dcache status register.
func (m *Mbox) ReadDcStat() DcStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iprs.DcStat
}

// ReadDtbAltMode returns the alternate processor mode register.
func (m *Mbox) ReadDtbAltMode() DtbAltMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iprs.DtbAltMode
}

// SetMode sets the current processor privilege mode.
func (m *Mbox) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}
