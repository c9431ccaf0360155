package socketcan

import (
	"fmt"
	"golang.org/x/sys/unix"
	"net"
	"syscall"
	"time"
)

const canRaw = 1

// Connection is raw SocketCAN socket bound to single interface
type Connection struct {
	socketFD int
}

// NewConnection opens raw CAN socket on given interface (for example: can0)
func NewConnection(ifName string) (*Connection, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("bad ifName: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("could not create CAN socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err = unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("could not bind CAN socket: %w", err)
	}

	return &Connection{socketFD: fd}, nil
}

func openConnection(ifName string) (connection, error) {
	c, err := NewConnection(ifName)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func isContinuableSocketErr(err error) bool {
	// EWOULDBLOCK - If you set a timeout on the socket with SO_RCVTIMEO or SO_SNDTIMEO - in this case, a receive or
	// send will return with EWOULDBLOCK if the timeout elapses while no input data becomes available or the output
	// buffer remains full

	// EINTR - If a signal occurs during a blocking operation, then the operation will either (a) return partial
	// completion, or (b) return failure, do nothing, and set errno to EINTR.

	return err == syscall.EWOULDBLOCK || err == syscall.EINTR
}

func (c *Connection) SetReadTimeout(timeout time.Duration) error {
	return c.setSocketTimeout(unix.SO_RCVTIMEO, timeout)
}

func (c *Connection) SetSendTimeout(timeout time.Duration) error {
	return c.setSocketTimeout(unix.SO_SNDTIMEO, timeout)
}

func (c *Connection) setSocketTimeout(opt int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.SetsockoptTimeval(c.socketFD, unix.SOL_SOCKET, opt, &tv)
}

func (c *Connection) Close() error {
	return unix.Close(c.socketFD)
}

// SendRaw writes struct can_frame to socket
func (c *Connection) SendRaw(canFrame []byte) error {
	_, err := unix.Write(c.socketFD, canFrame)
	if isContinuableSocketErr(err) {
		return errWriteTimeout
	}
	return err
}

// ReadRaw reads single struct can_frame from socket
func (c *Connection) ReadRaw(canFrame []byte) error {
	n, err := unix.Read(c.socketFD, canFrame)
	if err != nil {
		if isContinuableSocketErr(err) {
			return errReadTimeout
		}
		return err
	}
	if n < frameSize {
		return fmt.Errorf("short CAN frame read: %d bytes", n)
	}
	return nil
}
