// Package transport abstracts the CAN interface hardware behind a small
// connection contract so the protocol layers never touch a vendor driver
// directly. The loopback bus in this package implements the same contract
// in-process for bench use.
package transport

import (
	"context"
	"time"

	"go.einride.tech/can"
)

// DeviceInfo carries connection metadata reported by the interface device.
// It is surfaced unchanged to callers of connect.
type DeviceInfo struct {
	Path            string `json:"path"`
	FirmwareVersion string `json:"firmwareVersion"`
	APIVersion      string `json:"apiVersion"`
}

// Connection is a single open CAN channel. Implementations must be safe for
// use by one sender and one receiver goroutine at a time; higher layers
// serialize whole exchanges through a Token.
type Connection interface {
	// Send transmits one classic CAN frame.
	Send(ctx context.Context, frame can.Frame) error
	// Recv returns the next received frame, waiting up to timeout.
	// A timeout yields a TimeoutError.
	Recv(ctx context.Context, timeout time.Duration) (can.Frame, error)
	// Info reports device metadata captured at open time.
	Info() DeviceInfo
	Close() error
}

func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// TransportError is the base error for everything at the CAN channel level.
type TransportError struct {
	msg string
}

func NewTransportError(msg string) TransportError {
	return TransportError{msg: msg}
}

func (e TransportError) Error() string {
	return messageOrDefault(e.msg, "CAN transport error")
}

// TimeoutError reports that no frame arrived within the receive window.
type TimeoutError struct {
	TransportError
	Waited time.Duration
}

func (e TimeoutError) Error() string {
	return messageOrDefault(e.msg, "timed out waiting for CAN frame")
}

// ClosedError reports use of a connection after Close.
type ClosedError struct {
	TransportError
}

func (e ClosedError) Error() string {
	return messageOrDefault(e.msg, "CAN connection is closed")
}

// NotConnectedError reports an operation that needs an open device.
type NotConnectedError struct {
	TransportError
}

func (e NotConnectedError) Error() string {
	return messageOrDefault(e.msg, "no CAN device connected")
}
