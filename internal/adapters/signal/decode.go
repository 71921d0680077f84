package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Type core.CommandType `json:"type"`
}

// Decode parses one client frame into its typed command. Unknown types and
// payloads failing validation are ErrBadRequest.
func Decode(data []byte) (core.Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.Errorf(domain.ErrBadRequest, "malformed frame")
	}
	switch env.Type {
	case core.CmdAuthenticate:
		return decodeAs[core.Authenticate](data)
	case core.CmdGetRooms:
		return core.GetRooms{}, nil
	case core.CmdSendMessage:
		return decodeAs[core.SendMessage](data)
	case core.CmdJoinRoom:
		return decodeAs[core.JoinRoom](data)
	case core.CmdLeaveRoom:
		return decodeAs[core.LeaveRoom](data)
	case core.CmdCreateRoom:
		return decodeAs[core.CreateRoom](data)
	case core.CmdTyping:
		return decodeAs[core.Typing](data)
	case core.CmdMarkMessageRead:
		return decodeAs[core.MarkMessageRead](data)
	case core.CmdSignal:
		return decodeAs[core.Signal](data)
	case core.CmdInitiateCall:
		return decodeAs[core.InitiateCall](data)
	case core.CmdAcceptCall:
		return decodeAs[core.AcceptCall](data)
	case core.CmdRejectCall:
		return decodeAs[core.RejectCall](data)
	case core.CmdEndCall:
		return decodeAs[core.EndCall](data)
	case core.CmdPing:
		return core.Ping{}, nil
	case core.CmdLogout:
		return core.Logout{}, nil
	case "":
		return nil, domain.Errorf(domain.ErrBadRequest, "missing type")
	default:
		return nil, domain.Errorf(domain.ErrBadRequest, "unknown type %q", env.Type)
	}
}

func decodeAs[T core.Command](data []byte) (core.Command, error) {
	var cmd T
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, domain.Errorf(domain.ErrBadRequest, "bad payload")
	}
	if err := validate.Struct(cmd); err != nil {
		return nil, validationError(err)
	}
	return cmd, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Errorf(domain.ErrBadRequest, "bad payload")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return domain.Errorf(domain.ErrBadRequest, "invalid fields: %s", strings.Join(fields, ", "))
}
