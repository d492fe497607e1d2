package session

import (
	"encoding/json"
	"strconv"
)

// State is the current wizard step of one chat. No recorded state means StateIdle.
type State string

const (
	StateAwaitingTerms      State = "start"
	StateIdle               State = "terms_accepted"
	StateCollectingAge      State = "collecting_age"
	StateCollectingSex      State = "collecting_sex"
	StateCollectingSymptoms State = "collecting_symptoms"
	StateCollectingPregnant State = "collecting_pregnancy"
	StateCollectingChronic  State = "collecting_chronic"
	StateCollectingMeds     State = "collecting_medications"
	StateProcessingFile     State = "processing_file"
	StateAwaitingFollowUp   State = "waiting_follow_up"
	StateAwaitingAsk        State = "waiting_ask_pulse"
	StateAdminWaitID        State = "admin_wait_id"
	StateAdminWaitUsername  State = "admin_wait_username"
	StateNotifyDate         State = "notify_wait_date"
	StateNotifyTime         State = "notify_wait_time"
	StateNotifyText         State = "notify_wait_text"
	StateNotifyConfirm      State = "notify_wait_confirm"
)

var knownStates = map[State]struct{}{
	StateAwaitingTerms: {}, StateIdle: {},
	StateCollectingAge: {}, StateCollectingSex: {}, StateCollectingSymptoms: {},
	StateCollectingPregnant: {}, StateCollectingChronic: {}, StateCollectingMeds: {},
	StateProcessingFile: {}, StateAwaitingFollowUp: {}, StateAwaitingAsk: {},
	StateAdminWaitID: {}, StateAdminWaitUsername: {},
	StateNotifyDate: {}, StateNotifyTime: {}, StateNotifyText: {}, StateNotifyConfirm: {},
}

// ParseState accepts only members of the closed set.
func ParseState(s string) (State, bool) {
	st := State(s)
	_, ok := knownStates[st]
	return st, ok
}

// Scratch holds wizard fields collected so far. It is replaced as a whole on every write.
type Scratch map[string]any

func (s Scratch) String(key string) string {
	switch v := s[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Int64 reads numeric values that went through a JSON round trip.
func (s Scratch) Int64(key string) (int64, bool) {
	switch v := s[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (s Scratch) Int(key string) int {
	n, _ := s.Int64(key)
	return int(n)
}
