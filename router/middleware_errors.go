package router

// MiddlewareErrorScenario names a failure produced inside a middleware,
// before any handler runs. Applications register the message id and error
// code for each scenario at startup so middleware responses use the same
// vocabulary as handler responses.
type MiddlewareErrorScenario string

const (
	RequestTimeout          MiddlewareErrorScenario = "RequestTimeout"
	TokenMissing            MiddlewareErrorScenario = "TokenMissing"
	TokenVerificationFailed MiddlewareErrorScenario = "TokenVerificationFailed"
	TokenCacheFailed        MiddlewareErrorScenario = "TokenCacheFailed"
)

var middlewareScenarioToMsgID = make(map[MiddlewareErrorScenario]int)
var middlewareScenarioToErrCode = make(map[MiddlewareErrorScenario]string)

// Fallbacks for scenarios the application never registered.
var (
	defaultMsgID   = 9999
	defaultErrCode = "unknown"
)

func RegisterMiddlewareMsgID(scenario MiddlewareErrorScenario, msgID int) {
	middlewareScenarioToMsgID[scenario] = msgID
}

func RegisterMiddlewareErrCode(scenario MiddlewareErrorScenario, errCode string) {
	middlewareScenarioToErrCode[scenario] = errCode
}

// SetMiddlewareDefaults overrides the message id and error code used for
// scenarios that have no registered mapping.
func SetMiddlewareDefaults(msgID int, errCode string) {
	defaultMsgID = msgID
	defaultErrCode = errCode
}

func scenarioMsgID(scenario MiddlewareErrorScenario) int {
	if msgID, ok := middlewareScenarioToMsgID[scenario]; ok {
		return msgID
	}
	return defaultMsgID
}

func scenarioErrCode(scenario MiddlewareErrorScenario) string {
	if errCode, ok := middlewareScenarioToErrCode[scenario]; ok {
		return errCode
	}
	return defaultErrCode
}
