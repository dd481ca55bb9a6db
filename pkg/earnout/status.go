package earnout

import "github.com/google/uuid"

// Status counts the records belonging to dealID and subperiodID. Ready is
// true only when there is at least one such record and all are audited.
func Status(dealID uuid.UUID, subperiodID string, records []*AuditRecord) SubperiodStatus {
	st := SubperiodStatus{SubperiodID: subperiodID}
	for _, r := range records {
		if r == nil || r.DealID != dealID || r.SubperiodID != subperiodID {
			continue
		}
		st.Total++
		if r.Audited {
			st.Audited++
		}
	}
	st.Ready = st.Total > 0 && st.Total == st.Audited
	return st
}

// dealStatuses applies Status to every sub-period of the deal, in order.
func dealStatuses(d *Deal, records []*AuditRecord) []SubperiodStatus {
	out := make([]SubperiodStatus, 0, len(d.Subperiods))
	for _, sp := range d.Subperiods {
		out = append(out, Status(d.ID, sp.ID, records))
	}
	return out
}
