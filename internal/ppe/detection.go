package ppe

// TrackID is the tracker-assigned identity of a person. It is only unique
// within one session.
type TrackID int

// UntrackedID is used when the tracker did not assign an id. Every untracked
// person in a session shares it.
const UntrackedID TrackID = -1

// Detection is one detector output for a frame.
type Detection struct {
	Class      Class
	Confidence float64
	Box        Box
	// TrackID is only meaningful for Person detections. UntrackedID when
	// the tracker gave none.
	TrackID TrackID
}
