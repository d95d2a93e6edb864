package peering

import "errors"

var (
	ErrConnectionFailure   = errors.New("connection failure")
	ErrDownloadDenied      = errors.New("download denied")
	ErrNoPeersFound        = errors.New("no peers found")
	ErrNoPriorSearch       = errors.New("no prior search for this file")
	ErrUnknownPriorityPeer = errors.New("priority peer is not among the peers offering the file")
	ErrAttemptsExhausted   = errors.New("download attempts exhausted")
	ErrUnexpectedReply     = errors.New("unexpected reply")
	ErrAlreadySharing      = errors.New("already sharing")
	ErrNotSharing          = errors.New("sharing already disabled")
	ErrInvalidFileName     = errors.New("invalid file name")
)
