package transport

import (
	"fmt"
	"time"

	"github.com/google/gousb"

	"mtkflash/internal/mtk/mtkerr"
)

// Device owns the gousb handles for a session: context, device, config,
// and the claimed interface. Close releases them in reverse order.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface

	Transport *Transport
}

// Open waits for a device matching VendorID/ProductID to attach, claims
// Interface once (see DESIGN.md on the original tool's double claim), and
// wraps its bulk endpoints in a Transport.
func Open() (*Device, error) {
	ctx := gousb.NewContext()

	var dev *gousb.Device
	for dev == nil {
		var err error
		dev, err = ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
		if err != nil {
			ctx.Close()
			return nil, fmt.Errorf("open usb device: %w", err)
		}
		if dev == nil {
			time.Sleep(100 * time.Millisecond)
		}
	}

	dev.SetAutoDetach(true)

	config, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("set usb config: %w", err)
	}

	intf, err := config.Interface(Interface, 0)
	if err != nil {
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim usb interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(EndpointOut)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("open out endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(EndpointIn)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("open in endpoint: %w", err)
	}

	return &Device{
		ctx:       ctx,
		dev:       dev,
		config:    config,
		intf:      intf,
		Transport: New(epIn, epOut),
	}, nil
}

// ControlHandshake performs the class control transfer the Preloader
// expects before the byte-wise handshake: bmRequestType=0x21, bRequest=0x20,
// wValue=0, wIndex=0, zero-length data stage.
func (d *Device) ControlHandshake() error {
	const (
		requestTypeClassInterfaceOut = 0x21
		bRequest                     = 0x20
	)
	_, err := d.dev.Control(requestTypeClassInterfaceOut, bRequest, 0, 0, nil)
	if err != nil {
		return &mtkerr.Transport{Op: "control transfer", Err: err}
	}
	return nil
}

// Close releases the claimed interface and closes the device/context.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.config != nil {
		d.config.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}
