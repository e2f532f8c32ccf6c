// Package flash implements the flashing orchestrator: a linear state
// machine over three device states (NONE, PRELOADER, DA_STAGE2) that
// drives the device from whatever state it was found in through the
// remaining stages and then executes the requested batch of dump/flash
// operations.
package flash

import (
	"fmt"
	"log"

	"mtkflash/internal/mtk/da"
	"mtkflash/internal/mtk/dafile"
	"mtkflash/internal/mtk/iocb"
	"mtkflash/internal/mtk/mtkerr"
	"mtkflash/internal/mtk/preloader"
	"mtkflash/internal/mtk/transport"
)

// DeviceState is the device's position in the bootstrap staircase.
type DeviceState int

const (
	// None means the device has just attached and nothing has run on
	// it yet; Session.Run performs the Preloader handshake first.
	None DeviceState = iota
	// Preloader means the Preloader handshake already completed
	// (e.g. a prior run left it there); Session.Run starts by
	// querying chip identity.
	Preloader
	// DAStage2 means DA Stage 2 is already running; Session.Run skips
	// straight to USB_CHECK_STATUS and the operation batch.
	DAStage2
)

// OperationKind selects between dumping and flashing.
type OperationKind int

const (
	Dump OperationKind = iota
	Flash
)

// Operation is one requested dump/flash against the eMMC user partition.
type Operation struct {
	Kind    OperationKind
	Address uint64
	Length  uint64
	IO      iocb.Func
}

// Handshaker performs the class control transfer the Preloader expects
// before the byte-wise handshake. *transport.Device satisfies it; tests
// supply a fake so the staircase can run without real USB hardware.
type Handshaker interface {
	ControlHandshake() error
}

// Session drives a single device through the staircase described in
// spec §4.5.
type Session struct {
	handshake Handshaker
	t         *transport.Transport
	pre       *preloader.Client
	da        *da.Client
	log       *log.Logger
}

// NewSession wraps an open transport.Device.
func NewSession(device *transport.Device, logger *log.Logger) *Session {
	return newSession(device, device.Transport, logger)
}

func newSession(handshake Handshaker, t *transport.Transport, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		handshake: handshake,
		t:         t,
		pre:       preloader.New(t),
		da:        da.New(t),
		log:       logger,
	}
}

// Run drives the device from the given starting state through DA Stage 2
// and executes ops, rebooting at the end if reboot is true. info is the
// parsed DA container and is required unless state is already DAStage2.
func (s *Session) Run(state DeviceState, info *dafile.Info, ops []Operation, reboot bool) error {
	switch state {
	case None:
		if err := s.handleNone(); err != nil {
			return err
		}
		fallthrough
	case Preloader:
		if info == nil {
			return &mtkerr.Container{Reason: "DA container required when starting from NONE or PRELOADER"}
		}
		if err := s.handlePreloader(info); err != nil {
			return err
		}
		fallthrough
	case DAStage2:
		if err := s.handleDAStage2(ops, reboot); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleNone() error {
	s.log.Println("Syncing with MediaTek Preloader...")
	if err := s.handshake.ControlHandshake(); err != nil {
		return err
	}
	if err := s.pre.Start(); err != nil {
		return err
	}
	return nil
}

func (s *Session) handlePreloader(info *dafile.Info) error {
	hwCode, status, err := s.pre.GetHWCode()
	if err != nil {
		return err
	}
	if status != 0 {
		return &mtkerr.PreloaderStatus{Command: "GET_HW_CODE", Status: status}
	}
	s.log.Printf("HW code:    0x%04x", hwCode)

	_, hwVer, swVer, status, err := s.pre.GetHWSWVer()
	if err != nil {
		return err
	}
	if status != 0 {
		return &mtkerr.PreloaderStatus{Command: "GET_HW_SW_VER", Status: status}
	}
	s.log.Printf("HW version: 0x%04x  SW version: 0x%04x", hwVer, swVer)

	tgtConfig, status, err := s.pre.GetTargetConfig()
	if err != nil {
		return err
	}
	if status != 0 {
		return &mtkerr.PreloaderStatus{Command: "GET_TARGET_CONFIG", Status: status}
	}
	s.log.Printf("Target config: 0x%08x", tgtConfig)

	entry, err := info.FindEntry(hwCode, hwVer, swVer)
	if err != nil {
		return err
	}

	stage1, stage2, err := dafile.SelectStages(entry)
	if err != nil {
		return err
	}

	s.log.Println("Disabling watchdog timer...")
	status, err = s.pre.DisableWDT()
	if err != nil {
		return err
	}
	if status != 0 {
		return &mtkerr.PreloaderStatus{Command: "WRITE32", Status: status}
	}

	s.log.Println("Sending DA Stage 1...")
	status, err = s.pre.SendDA(stage1.StartAddr, stage1.Len, stage1.SigLen, info.StageIO(stage1))
	if err != nil {
		return err
	}
	if status != 0 {
		return &mtkerr.PreloaderStatus{Command: "SEND_DA", Status: status}
	}

	s.log.Println("Jumping to DA Stage 1...")
	status, err = s.pre.JumpDA(stage1.StartAddr)
	if err != nil {
		return err
	}
	if status != 0 {
		return &mtkerr.PreloaderStatus{Command: "JUMP_DA", Status: status}
	}

	sync, err := s.da.Sync()
	if err != nil {
		return err
	}
	if sync.NandRet != da.NANDNotFound {
		return &mtkerr.Protocol{Reason: fmt.Sprintf("NAND controller did not return NAND_NOT_FOUND: 0x%x", sync.NandRet)}
	}
	if sync.EmmcRet != 0 {
		return &mtkerr.Protocol{Reason: fmt.Sprintf("EMMC controller returned error: 0x%x", sync.EmmcRet)}
	}
	s.log.Printf("EMMC ID: %08x %08x %08x %08x", sync.EmmcID[0], sync.EmmcID[1], sync.EmmcID[2], sync.EmmcID[3])
	s.log.Printf("DA version: DA_v%d.%d", sync.DAMajorVer, sync.DAMinorVer)

	s.log.Println("Sending DA Stage 2...")
	retval, err := s.da.SendDA(stage2.StartAddr, stage2.Len, info.StageIO(stage2))
	if err != nil {
		return err
	}
	if retval != da.ACK {
		return &mtkerr.DARetval{Command: "SEND_DA", Retval: retval}
	}

	if err := s.t.Discard(da.FullReportSize); err != nil {
		return err
	}
	socStatus, err := s.t.ReadU8(false)
	if err != nil {
		return err
	}
	if socStatus != da.SOCOK {
		return &mtkerr.DARetval{Command: "SOC report", Retval: socStatus}
	}

	return nil
}

func (s *Session) handleDAStage2(ops []Operation, reboot bool) error {
	retval, usbStatus, err := s.da.USBCheckStatus()
	if err != nil {
		return err
	}
	if retval != da.ACK {
		return &mtkerr.DARetval{Command: "USB_CHECK_STATUS", Retval: retval}
	}
	if usbStatus != 1 {
		return &mtkerr.Protocol{Reason: fmt.Sprintf("DA did not return valid USB status: 0x%02x", usbStatus)}
	}

	for _, op := range ops {
		s.log.Printf("Address: 0x%016x  Length: 0x%016x", op.Address, op.Length)

		retval, err := s.da.SwitchPart(da.EMMCPartUser)
		if err != nil {
			return err
		}
		if retval != da.ACK {
			return &mtkerr.DARetval{Command: "SWITCH_PART", Retval: retval}
		}

		switch op.Kind {
		case Dump:
			retval, err = s.da.Read(da.HWStorageEMMC, op.Address, op.Length, op.IO)
			if err != nil {
				return err
			}
			if retval != da.ACK {
				return &mtkerr.DARetval{Command: "READ", Retval: retval}
			}
		case Flash:
			retval, err = s.da.SDMMCWriteData(da.StorageEMMC, da.EMMCPartUser, op.Address, op.Length, op.IO)
			if err != nil {
				return err
			}
			if retval != da.CONT {
				return &mtkerr.DARetval{Command: "SDMMC_WRITE_DATA", Retval: retval}
			}
		}
	}

	if reboot {
		s.log.Println("Enabling WDT to reboot device...")
		retval, err := s.da.EnableWatchdog(0, false, false, false, true)
		if err != nil {
			return err
		}
		if retval != da.ACK {
			return &mtkerr.DARetval{Command: "ENABLE_WATCHDOG", Retval: retval}
		}
	}

	return nil
}
