// Package wscutils implements the request and response envelope shared by
// all web services in this repository. Every response carries a status, a
// data payload, and a list of messages; every error message carries a
// numeric msgid for programmatic handling and a short errcode for humans.
package wscutils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Response statuses.
const (
	SuccessStatus = "success"
	ErrorStatus   = "error"
)

var (
	msgIDInvalidJSON   = 1001
	errCodeInvalidJSON = "invalid_json"

	// used when no ids have been registered for an error condition
	defaultMsgID   = 9999
	defaultErrCode = "unknown"

	validationTagToMsgID   = make(map[string]int)
	validationTagToErrCode = make(map[string]string)
)

// SetMsgIDInvalidJSON overrides the message id sent when request JSON does
// not parse or bind.
func SetMsgIDInvalidJSON(msgID int) {
	msgIDInvalidJSON = msgID
}

// SetErrCodeInvalidJSON overrides the error code sent when request JSON
// does not parse or bind.
func SetErrCodeInvalidJSON(errCode string) {
	errCodeInvalidJSON = errCode
}

// SetDefaultMsgID overrides the message id used for unregistered error
// conditions.
func SetDefaultMsgID(msgID int) {
	defaultMsgID = msgID
}

// SetDefaultErrCode overrides the error code used for unregistered error
// conditions.
func SetDefaultErrCode(errCode string) {
	defaultErrCode = errCode
}

// SetValidationTagToMsgIDMap registers the message ids to use for validator
// tags reported by WscValidate. Tags missing from the map fall back to the
// default message id.
func SetValidationTagToMsgIDMap(m map[string]int) {
	validationTagToMsgID = m
}

// SetValidationTagToErrCodeMap registers the error codes to use for
// validator tags reported by WscValidate. Tags missing from the map use the
// tag itself as the code.
func SetValidationTagToErrCodeMap(m map[string]string) {
	validationTagToErrCode = m
}

// Request represents the standard structure of a request to the web service.
type Request struct {
	Data any `json:"data" binding:"required"`
}

// Response represents the standard structure of a response of the web service.
type Response struct {
	Status   string         `json:"status"`
	Data     any            `json:"data"`
	Messages []ErrorMessage `json:"messages"`
}

// ErrorMessage defines the format of the error part of the standard
// response object.
type ErrorMessage struct {
	MsgID   int      `json:"msgid"`
	ErrCode string   `json:"errcode"`
	Field   *string  `json:"field,omitempty"`
	Vals    []string `json:"vals,omitempty"`
}

// BuildErrorMessage creates an ErrorMessage. An empty fieldName leaves the
// field out of the serialized message.
func BuildErrorMessage(msgID int, errCode string, fieldName string, vals ...string) ErrorMessage {
	var field *string
	if fieldName != "" {
		field = &fieldName
	}
	return ErrorMessage{
		MsgID:   msgID,
		ErrCode: errCode,
		Field:   field,
		Vals:    vals,
	}
}

// WscValidate validates data according to its struct tag rules and returns
// one ErrorMessage per violation. Message ids and error codes come from the
// registered validation tag maps. getVals supplies the request-specific
// values for each violation; WscValidate cannot know those itself.
func WscValidate[T any](data T, getVals func(err validator.FieldError) []string) []ErrorMessage {
	var validationErrors []ErrorMessage

	validate := validator.New()
	err := validate.Struct(data)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, err := range validationErrs {
				tag := err.Tag()
				msgID, ok := validationTagToMsgID[tag]
				if !ok {
					msgID = defaultMsgID
				}
				errCode, ok := validationTagToErrCode[tag]
				if !ok {
					errCode = tag
				}
				vErr := BuildErrorMessage(msgID, errCode, err.Field(), getVals(err)...)
				validationErrors = append(validationErrors, vErr)
			}
		}
	}
	return validationErrors
}

// NewResponse creates a response with the given status, data, and messages.
func NewResponse(status string, data any, messages []ErrorMessage) *Response {
	return &Response{
		Status:   status,
		Data:     data,
		Messages: messages,
	}
}

// NewSuccessResponse creates a success response carrying data.
func NewSuccessResponse(data any) *Response {
	return NewResponse(SuccessStatus, data, nil)
}

// NewErrorResponse creates an error response with a single message and no
// field or vals.
func NewErrorResponse(msgID int, errCode string) *Response {
	return NewResponse(ErrorStatus, nil, []ErrorMessage{BuildErrorMessage(msgID, errCode, "")})
}

// BindJSON binds the request envelope's data to the given structure. On a
// parse or binding failure it sends the standard invalid-JSON error
// response itself and returns the binding error; handlers just return.
func BindJSON(c *gin.Context, data any) error {
	req := Request{Data: data}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(msgIDInvalidJSON, errCodeInvalidJSON))
		return err
	}
	return nil
}

// GetRequestUser extracts the authenticated user set on the gin context by
// the auth middleware.
func GetRequestUser(c *gin.Context) (string, error) {
	requestUser, exists := c.Get("RequestUser")
	if !exists {
		return "", errors.New("missing_request_user")
	}

	requestUserStr, ok := requestUser.(string)
	if !ok {
		return "", errors.New("invalid_request_user")
	}

	return requestUserStr, nil
}

// SendSuccessResponse sends the response with HTTP 200.
func SendSuccessResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusOK, response)
}

// SendErrorResponse sends the response with HTTP 400.
func SendErrorResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusBadRequest, response)
}
