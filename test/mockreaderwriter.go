package test_test

import (
	"errors"
	"io"
)

// ReadResult is single result returned by MockReaderWriter.Read call
type ReadResult struct {
	Read []byte
	Err  error
}

// MockReaderWriter is io.ReadWriter that returns prepared reads and records everything written to it
type MockReaderWriter struct {
	Reads     []ReadResult
	readIndex int

	Writes     [][]byte
	WriteError error
}

func (m *MockReaderWriter) Read(p []byte) (n int, err error) {
	if m.readIndex >= len(m.Reads) {
		return 0, io.EOF
	}
	r := m.Reads[m.readIndex]
	m.readIndex++
	if len(r.Read) > len(p) {
		return 0, errors.New("mock read is larger than read buffer")
	}
	n = copy(p, r.Read)
	return n, r.Err
}

func (m *MockReaderWriter) Write(p []byte) (n int, err error) {
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.Writes = append(m.Writes, append([]byte(nil), p...))
	return len(p), nil
}

func (m *MockReaderWriter) Close() error {
	return nil
}
