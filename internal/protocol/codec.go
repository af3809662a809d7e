package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrWrongDirection = errors.New("protocol: message not valid in this direction")
)

// Encode serializes msg as a flat JSON object whose first key is "type".
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), ErrMalformed)
	}

	typ, _ := json.Marshal(msg.MessageType())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages built from fixed field types, which
// cannot fail to marshal.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses any known message regardless of direction.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	switch head.Type {
	case TypeWhoAreYou:
		return WhoAreYou{}, nil
	case TypeJoin:
		msg = &Join{}
	case TypeControlRequest:
		msg = &ControlRequest{}
	case TypeTabSwitchRequest:
		msg = &TabSwitchRequest{}
	case TypeRequestMusicTabs:
		msg = &RequestMusicTabs{}
	case TypeSearchRequest:
		msg = &SearchRequest{}
	case TypePlayerInfo:
		msg = &PlayerInfo{}
	case TypeWelcome:
		msg = &Welcome{}
	case TypeUserJoined:
		msg = &UserJoined{}
	case TypeUserLeft:
		msg = &UserLeft{}
	case TypeNowPlaying:
		msg = &NowPlaying{}
	case TypeTabSwitched:
		msg = &TabSwitched{}
	case TypeMusicTabs:
		msg = &MusicTabs{}
	case TypeAudioRelay:
		msg = &AudioRelay{}
	case TypeChat:
		msg = &ChatMessage{}
	case TypeReaction:
		msg = &Reaction{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return deref(msg), nil
}

// DecodePlayerBound parses a message received by a player.
func DecodePlayerBound(data []byte) (PlayerBound, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	pb, ok := msg.(PlayerBound)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, msg.MessageType())
	}
	return pb, nil
}

// DecodeListenerBound parses a message received by a listener or probe.
func DecodeListenerBound(data []byte) (ListenerBound, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	lb, ok := msg.(ListenerBound)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, msg.MessageType())
	}
	return lb, nil
}

// deref turns the decode target back into a value so that callers switch
// over value types only.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Join:
		return *m
	case *ControlRequest:
		return *m
	case *TabSwitchRequest:
		return *m
	case *RequestMusicTabs:
		return *m
	case *SearchRequest:
		return *m
	case *PlayerInfo:
		return *m
	case *Welcome:
		return *m
	case *UserJoined:
		return *m
	case *UserLeft:
		return *m
	case *NowPlaying:
		return *m
	case *TabSwitched:
		return *m
	case *MusicTabs:
		return *m
	case *AudioRelay:
		return *m
	case *ChatMessage:
		return *m
	case *Reaction:
		return *m
	}
	return msg
}
