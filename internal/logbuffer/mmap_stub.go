//go:build !linux && !darwin

package logbuffer

import "errors"

var errUnsupportedPlatform = errors.New("logbuffer: memory-mapped log buffers are only supported on linux and darwin")

func CreateLogFile(path string, termLength, mtu, initialTermID, sessionID, streamID int32) (*LogBuffer, error) {
	return nil, errUnsupportedPlatform
}

func OpenLogFile(path string) (*LogBuffer, error) {
	return nil, errUnsupportedPlatform
}

func unmapMemory(mem []byte) error { return nil }
