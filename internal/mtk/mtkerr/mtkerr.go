// Package mtkerr defines the error taxonomy shared by the transport,
// protocol, and orchestrator layers: transport failures, protocol framing
// mismatches, device-reported status/retval codes, DA container problems,
// and I/O callback failures. Every error the core returns can be matched
// against one of these with errors.As/errors.Is.
package mtkerr

import "fmt"

// Transport wraps a failure from the underlying USB bulk or control
// transfer. It is always fatal to the session.
type Transport struct {
	Op  string
	Err error
}

func (e *Transport) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Transport) Unwrap() error { return e.Err }

// Protocol signals a framing-level violation: an echoed scalar that came
// back different than sent, an unexpected sync/ACK byte, or a checksum
// mismatch. These indicate the host and device have lost the strict
// request/response lockstep and the session cannot continue.
type Protocol struct {
	Reason string
}

func (e *Protocol) Error() string { return "protocol: " + e.Reason }

// PreloaderStatus wraps a non-zero u16 status word returned by a
// Preloader command.
type PreloaderStatus struct {
	Command string
	Status  uint16
}

func (e *PreloaderStatus) Error() string {
	return fmt.Sprintf("preloader: %s failed: status=0x%04x", e.Command, e.Status)
}

// DARetval wraps a single-byte DA retval that was not the ACK/CONT/SOC_OK
// expected for the command that produced it.
type DARetval struct {
	Command string
	Retval  byte
}

func (e *DARetval) Error() string {
	return fmt.Sprintf("da: %s: unexpected retval=0x%02x", e.Command, e.Retval)
}

// Container wraps a DA container file problem: bad magic/version, a file
// too short to hold its declared entries, no entry matching the device
// identity triple, or an invariant violated by the chosen entry.
type Container struct {
	Reason string
}

func (e *Container) Error() string { return "da container: " + e.Reason }

// IOCallback wraps a failure reported by the caller-supplied payload
// source/sink.
type IOCallback struct {
	Err error
}

func (e *IOCallback) Error() string { return fmt.Sprintf("io callback: %v", e.Err) }

func (e *IOCallback) Unwrap() error { return e.Err }
