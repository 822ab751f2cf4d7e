package cnc

// ErrorCode is the closed set of client-facing error kinds carried in an
// ErrorResponse message, per spec.md §7. The non-blocking offer-path
// results BACK_PRESSURED/ADMIN_ACTION/CLOSED/NOT_CONNECTED are modelled
// elsewhere as Go sentinel errors (see logbuffer.ErrBackPressured etc.),
// not as ErrorCode values, matching spec.md's own distinction between
// "errors reported to clients" and "transient, not errors".
type ErrorCode uint16

const (
	ErrorCodeInvalidChannel ErrorCode = iota + 1
	ErrorCodePublicationStreamUnknown
	ErrorCodePublicationStreamAlreadyExists
	ErrorCodeGenericError
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeInvalidChannel:
		return "INVALID_CHANNEL"
	case ErrorCodePublicationStreamUnknown:
		return "PUBLICATION_STREAM_UNKNOWN"
	case ErrorCodePublicationStreamAlreadyExists:
		return "PUBLICATION_STREAM_ALREADY_EXISTS"
	case ErrorCodeGenericError:
		return "GENERIC_ERROR"
	default:
		return "UNKNOWN_ERROR_CODE"
	}
}
