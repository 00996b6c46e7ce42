package onebot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	ActionSendPrivateMsg = "send_private_msg"
	ActionSendGroupMsg   = "send_group_msg"
	ActionGetLoginInfo   = "get_login_info"
	ActionGetStatus      = "get_status"
)

// Request is an outbound action call frame.
type Request struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo,omitempty"`
}

// Response is the frame a backend sends back for a Request, matched by Echo.
type Response struct {
	Status  string          `json:"status"`
	RetCode json.RawMessage `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

func (r *Response) Code() int64 {
	code, _ := parseJSONInt64(r.RetCode)
	return code
}

func (r *Response) Failed() bool {
	return strings.EqualFold(r.Status, "failed")
}

// ErrorMessage returns message, then wording, then a generic fallback.
func (r *Response) ErrorMessage() string {
	if r.Message != "" {
		return r.Message
	}
	if r.Wording != "" {
		return r.Wording
	}
	return "unknown error"
}

type SendPrivateMsgParams struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type SendGroupMsgParams struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// BuildSendRequest maps a context id ("group:<id>", "private:<id>" or a bare
// user id) to the matching send action and params.
func BuildSendRequest(contextID, message string) (string, interface{}, error) {
	if rest, ok := strings.CutPrefix(contextID, "group:"); ok {
		groupID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid group ID in context: %s", contextID)
		}
		return ActionSendGroupMsg, SendGroupMsgParams{GroupID: groupID, Message: message}, nil
	}

	rest := strings.TrimPrefix(contextID, "private:")
	userID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid context for OneBot: %s", contextID)
	}
	return ActionSendPrivateMsg, SendPrivateMsgParams{UserID: userID, Message: message}, nil
}
