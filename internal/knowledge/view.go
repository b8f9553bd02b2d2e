package knowledge

// Typed views over category snapshots. Entries whose payload does not match
// are skipped.

// SourceView pairs a source with the id of the entry holding it.
type SourceView struct {
	EntryID string
	Pass    int
	SourceRecord
}

// InsightView pairs an insight with its entry id and pass.
type InsightView struct {
	EntryID string
	Pass    int
	InsightRecord
}

// NoteView pairs a validation note with its entry id and pass.
type NoteView struct {
	EntryID string
	Pass    int
	ValidationNote
}

func Sources(entries []Entry) []SourceView {
	out := make([]SourceView, 0, len(entries))
	for _, e := range entries {
		if rec, ok := e.Payload.(SourceRecord); ok {
			out = append(out, SourceView{EntryID: e.ID, Pass: e.Pass, SourceRecord: rec})
		}
	}
	return out
}

func Insights(entries []Entry) []InsightView {
	out := make([]InsightView, 0, len(entries))
	for _, e := range entries {
		if rec, ok := e.Payload.(InsightRecord); ok {
			out = append(out, InsightView{EntryID: e.ID, Pass: e.Pass, InsightRecord: rec})
		}
	}
	return out
}

func Notes(entries []Entry) []NoteView {
	out := make([]NoteView, 0, len(entries))
	for _, e := range entries {
		if rec, ok := e.Payload.(ValidationNote); ok {
			out = append(out, NoteView{EntryID: e.ID, Pass: e.Pass, ValidationNote: rec})
		}
	}
	return out
}

// InPass keeps only the entries written during the given pass.
func InPass(entries []Entry, pass int) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Pass == pass {
			out = append(out, e)
		}
	}
	return out
}
