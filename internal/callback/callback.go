// Package callback defines the inline-button commands the bot understands.
//
// Every command round-trips through a pipe-delimited token:
//
//	slot_accept|<slotId>
//	slot_cancel|<slotId>
//	slot_reschedule|<slotId>
//	autoplan|<planId>|<stageId>|<optionId>
//	manual_open|<planId>|<stageId>|<optionId>
//	manual_more|<planId>|<stageId>|<optionId>
//	manual_slot|<planId>|<stageId>|<optionId>|ts:<epochMillis>
//
// Parse rejects anything else with ErrMalformed before any id is used.
package callback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agroplan/pkg/tgui"
)

var ErrMalformed = errors.New("malformed callback")

const (
	actSlotAccept     = "slot_accept"
	actSlotCancel     = "slot_cancel"
	actSlotReschedule = "slot_reschedule"
	actAutoplan       = "autoplan"
	actManualOpen     = "manual_open"
	actManualMore     = "manual_more"
	actManualSlot     = "manual_slot"
)

// Command is one of the concrete types below.
type Command interface {
	Encode() string
	command()
}

// StageRef addresses a stage option within a plan.
type StageRef struct {
	PlanID   int64
	StageID  int64
	OptionID int64
}

func (r StageRef) encode(action string) string {
	return fmt.Sprintf("%s|%d|%d|%d", action, r.PlanID, r.StageID, r.OptionID)
}

type SlotAccept struct{ SlotID int64 }
type SlotCancel struct{ SlotID int64 }
type SlotReschedule struct{ SlotID int64 }

type AutoplanStart struct{ Ref StageRef }
type ManualOpen struct{ Ref StageRef }
type ManualMore struct{ Ref StageRef }

// ManualSlot is a concrete manual time pick.
type ManualSlot struct {
	Ref StageRef
	At  time.Time
}

func (c SlotAccept) Encode() string     { return actSlotAccept + "|" + strconv.FormatInt(c.SlotID, 10) }
func (c SlotCancel) Encode() string     { return actSlotCancel + "|" + strconv.FormatInt(c.SlotID, 10) }
func (c SlotReschedule) Encode() string { return actSlotReschedule + "|" + strconv.FormatInt(c.SlotID, 10) }
func (c AutoplanStart) Encode() string  { return c.Ref.encode(actAutoplan) }
func (c ManualOpen) Encode() string     { return c.Ref.encode(actManualOpen) }
func (c ManualMore) Encode() string     { return c.Ref.encode(actManualMore) }
func (c ManualSlot) Encode() string {
	return c.Ref.encode(actManualSlot) + "|ts:" + strconv.FormatInt(c.At.UnixMilli(), 10)
}

func (SlotAccept) command()     {}
func (SlotCancel) command()     {}
func (SlotReschedule) command() {}
func (AutoplanStart) command()  {}
func (ManualOpen) command()     {}
func (ManualMore) command()     {}
func (ManualSlot) command()     {}

// Accepted timestamp range for manual picks.
var (
	minTS = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	maxTS = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
)

// Parse decodes a callback token.
func Parse(data string) (Command, error) {
	if data == "" || len(data) > tgui.MaxCallbackDataLen {
		return nil, ErrMalformed
	}
	parts := strings.Split(data, "|")
	switch parts[0] {
	case actSlotAccept, actSlotCancel, actSlotReschedule:
		if len(parts) != 2 {
			return nil, ErrMalformed
		}
		id, err := parseID(parts[1])
		if err != nil {
			return nil, err
		}
		switch parts[0] {
		case actSlotAccept:
			return SlotAccept{SlotID: id}, nil
		case actSlotCancel:
			return SlotCancel{SlotID: id}, nil
		default:
			return SlotReschedule{SlotID: id}, nil
		}

	case actAutoplan, actManualOpen, actManualMore:
		if len(parts) != 4 {
			return nil, ErrMalformed
		}
		ref, err := parseRef(parts[1:4])
		if err != nil {
			return nil, err
		}
		switch parts[0] {
		case actAutoplan:
			return AutoplanStart{Ref: ref}, nil
		case actManualOpen:
			return ManualOpen{Ref: ref}, nil
		default:
			return ManualMore{Ref: ref}, nil
		}

	case actManualSlot:
		if len(parts) != 5 {
			return nil, ErrMalformed
		}
		ref, err := parseRef(parts[1:4])
		if err != nil {
			return nil, err
		}
		raw, ok := strings.CutPrefix(parts[4], "ts:")
		if !ok {
			return nil, ErrMalformed
		}
		ms, err := parseDigits(raw)
		if err != nil || ms < minTS || ms > maxTS {
			return nil, ErrMalformed
		}
		return ManualSlot{Ref: ref, At: time.UnixMilli(ms).UTC()}, nil
	}
	return nil, ErrMalformed
}

func parseRef(p []string) (StageRef, error) {
	var ids [3]int64
	for i, s := range p {
		id, err := parseID(s)
		if err != nil {
			return StageRef{}, err
		}
		ids[i] = id
	}
	return StageRef{PlanID: ids[0], StageID: ids[1], OptionID: ids[2]}, nil
}

// parseID accepts a positive decimal id without sign or padding.
func parseID(s string) (int64, error) {
	v, err := parseDigits(s)
	if err != nil || v <= 0 || s[0] == '0' {
		return 0, ErrMalformed
	}
	return v, nil
}

func parseDigits(s string) (int64, error) {
	if s == "" || len(s) > 19 {
		return 0, ErrMalformed
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, ErrMalformed
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	return v, nil
}
