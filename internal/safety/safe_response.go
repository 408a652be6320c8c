package safety

// SafeReply is the canned assistant text returned when a turn cannot be
// answered by a provider. It replaces the response, never edits it.
type SafeReply struct {
	Text      string
	ErrorType string
	Retryable bool
}

const (
	ErrTypeProfanity       = "profanity"
	ErrTypePromptInjection = "prompt-injection"
	ErrTypeHarmfulContent  = "harmful-content"
	ErrTypePII             = "pii-detected"
	ErrTypeRateLimit       = "rate-limit"
	ErrTypeQuota           = "quota-exceeded"
	ErrTypeValidation      = "validation-error"
	ErrTypeProvider        = "provider-error"
	ErrTypeTimeout         = "timeout"
	ErrTypeCancelled       = "cancelled"
	ErrTypeInternal        = "internal"
)

var safeReplies = map[string]SafeReply{
	ErrTypeProfanity: {
		Text:      "I can't respond to messages containing offensive language. Please rephrase your message and I'll be happy to help.",
		ErrorType: ErrTypeProfanity,
		Retryable: true,
	},
	ErrTypePromptInjection: {
		Text:      "I noticed your message contains instructions I'm not able to follow. Please ask your question directly and I'll do my best to help.",
		ErrorType: ErrTypePromptInjection,
		Retryable: true,
	},
	ErrTypeHarmfulContent: {
		Text:      "I'm not able to help with that request. If there's something else on your mind, I'm happy to assist.",
		ErrorType: ErrTypeHarmfulContent,
		Retryable: false,
	},
	ErrTypePII: {
		Text:      "I generated a response that may have contained sensitive personal information, so I've withheld it. Please try asking again.",
		ErrorType: ErrTypePII,
		Retryable: true,
	},
	ErrTypeRateLimit: {
		Text:      "You're sending messages a little too quickly. Please wait a moment and try again.",
		ErrorType: ErrTypeRateLimit,
		Retryable: true,
	},
	ErrTypeQuota: {
		Text:      "You've reached your usage limit for today. Your quota resets at midnight UTC.",
		ErrorType: ErrTypeQuota,
		Retryable: false,
	},
	ErrTypeProvider: {
		Text:      "I'm having trouble reaching the language model right now. Please try again in a few moments.",
		ErrorType: ErrTypeProvider,
		Retryable: true,
	},
	ErrTypeTimeout: {
		Text:      "That took longer than expected and I had to stop. Please try again, perhaps with a shorter message.",
		ErrorType: ErrTypeTimeout,
		Retryable: true,
	},
	ErrTypeInternal: {
		Text:      "Something went wrong on my end. Please try again.",
		ErrorType: ErrTypeInternal,
		Retryable: true,
	},
}

// SafeResponse returns the canned reply for an error type, defaulting to
// the internal reply for unknown types.
func SafeResponse(errorType string) SafeReply {
	if reply, ok := safeReplies[errorType]; ok {
		return reply
	}
	reply := safeReplies[ErrTypeInternal]
	if errorType != "" {
		reply.ErrorType = errorType
	}
	return reply
}

// ReplyForFlag maps a screening flag to its safe reply.
func ReplyForFlag(flag string) SafeReply {
	switch flag {
	case "profanity":
		return SafeResponse(ErrTypeProfanity)
	case "prompt-injection":
		return SafeResponse(ErrTypePromptInjection)
	case "harmful-content":
		return SafeResponse(ErrTypeHarmfulContent)
	case "pii-card", "pii-ssn", "pii-email", "pii-phone":
		return SafeResponse(ErrTypePII)
	default:
		return SafeResponse(ErrTypeInternal)
	}
}
