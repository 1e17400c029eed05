package sync

import "time"

// GuestResponse echoes the caller's own data back in the standard envelope
// without touching storage. Guests get the reconciliation response shape for
// UI convenience, but nothing belonging to the device is persisted until a
// caller asserts an authenticated identity.
func GuestResponse(req *Request) *Response {
	data := req.ClientData
	if data == nil {
		data = &ClientData{}
	}

	progress := ProgressPayload{DeviceID: req.DeviceID}
	if data.Progress != nil {
		progress = *data.Progress
	}

	return &Response{
		Success:         true,
		Guest:           true,
		ServerTimestamp: formatTimestamp(time.Now()),
		Merged: MergedData{
			Sessions:    emptyIfNil(data.Sessions),
			Progress:    progress,
			Badges:      emptyIfNil(data.Badges),
			Assessments: emptyIfNil(data.Assessments),
		},
	}
}

// emptyIfNil keeps omitted collections marshalling as [] rather than null.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
