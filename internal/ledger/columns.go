package ledger

import (
	"strconv"
	"time"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// TimeLayout formats wall-clock columns in exports.
const TimeLayout = "2006-01-02 15:04:05"

// Columns are the flat column names of an attempt row, in export order.
// attempt_number and max_attempt_num are 1-based.
var Columns = []string{
	"call_key",
	"caller_npanxx",
	"arrived_datetime_est",
	"attempt_number",
	"center_key",
	"termination_number",
	"caller_state_abbrev",
	"caller_time_zone",
	"caller_is_cell_phone",
	"center_state_abbrev",
	"center_time_zone",
	"center_uses_dst",
	"arrived_datetime_local",
	"arrived_part_of_day",
	"num_nspl_centers_in_center_state",
	"network_is_ll",
	"network_is_ll_backup",
	"network_is_ll_spanish",
	"network_is_va",
	"network_is_ddh",
	"network_is_ddh_spanish",
	"total_ring_time_sec",
	"disposition",
	"completed",
	"answered",
	"abandoned",
	"flowout",
	"answered_in_state",
	"answered_out_state",
	"ring_time_center",
	"talk_time_center",
	"time_to_answer_center",
	"time_to_leave_center",
	"time_to_abandon_center",
	"datetime_to_disposition_est",
	"datetime_to_leave_center_est",
	"max_attempt_num",
	"initiated_datetime_est",
	"initiated_part_of_day",
	"flagged",
}

// Values flattens rec in Columns order. Booleans become 0/1, unset times
// and an unset summary become nil.
func Values(rec types.AttemptRecord) []any {
	a := rec.Attributes
	d := rec.Disposition
	t := types.Timing{}
	if d.Timing != nil {
		t = *d.Timing
	}
	kind := d.Kind
	if kind == "" {
		kind = types.DispositionPending
	}

	var maxAttempt any
	if !rec.Summary.InitiatedAt.IsZero() {
		maxAttempt = rec.Summary.MaxAttempt + 1
	}

	return []any{
		string(rec.CallID),
		string(rec.ExchangeCode),
		timeOrNil(rec.ArrivedAt),
		rec.Attempt + 1,
		rec.Center.Center,
		rec.Center.Termination,
		a.CallerState,
		a.CallerTimeZone,
		flag(a.CallerIsCellPhone),
		a.CenterState,
		a.CenterTimeZone,
		flag(a.CenterUsesDST),
		timeOrNil(a.ArrivedLocal),
		string(a.ArrivedPartOfDay),
		a.NSPLCentersInState,
		flag(a.Network.LocalLink),
		flag(a.Network.LocalLinkBackup),
		flag(a.Network.LocalLinkSpanish),
		flag(a.Network.VeteransAffairs),
		flag(a.Network.DeafHardHearing),
		flag(a.Network.DeafHardSpanish),
		a.AccumulatedWaitSeconds,
		string(kind),
		flag(d.Completed()),
		flag(d.Answered()),
		flag(d.Abandoned()),
		flag(d.FlowedOut()),
		flag(d.AnsweredInState && d.Answered()),
		flag(d.AnsweredOutState()),
		t.RingTime,
		t.TalkTime,
		t.TimeToAnswer,
		t.TimeToLeave,
		t.TimeToAbandon,
		timeOrNil(t.DispositionAt),
		timeOrNil(t.LeftCenterAt),
		maxAttempt,
		timeOrNil(rec.Summary.InitiatedAt),
		string(rec.Summary.InitiatedPartOfDay),
		flag(rec.Flagged),
	}
}

// Strings renders Values as CSV fields. nil becomes the empty string.
func Strings(rec types.AttemptRecord) []string {
	vals := Values(rec)
	out := make([]string, len(vals))
	for i, v := range vals {
		switch x := v.(type) {
		case nil:
			out[i] = ""
		case string:
			out[i] = x
		case int:
			out[i] = strconv.Itoa(x)
		case int64:
			out[i] = strconv.FormatInt(x, 10)
		case time.Time:
			out[i] = x.Format(TimeLayout)
		}
	}
	return out
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
