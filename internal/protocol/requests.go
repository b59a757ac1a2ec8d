package protocol

// Requests (client -> server). Every request carries a client-chosen Ref that
// is echoed in its RESULT.

type OwnerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RESERVE validates a placement and holds its cells until COMMIT or RELEASE.
// Pos is the submitter position in world units; Width/Height are pixels.
type ReserveReq struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	Pos             [3]int `json:"pos"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	CellSize        int    `json:"cell_size,omitempty"`
}

type CommitReq struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Ref             string   `json:"ref"`
	ReservationID   string   `json:"reservation_id"`
	Owner           OwnerRef `json:"owner"`
}

type ReleaseReq struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	ReservationID   string `json:"reservation_id"`
}

// SUBMIT runs reserve, conversion and commit on the server.
type SubmitReq struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Ref             string   `json:"ref"`
	Pos             [3]int   `json:"pos"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	CellSize        int      `json:"cell_size,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	ImagePath       string   `json:"image_path"`
	Owner           OwnerRef `json:"owner"`
}

// STATS without OwnerID returns every owner.
type StatsReq struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	OwnerID         string `json:"owner_id,omitempty"`
}

type OccupantReq struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	Cell            [2]int `json:"cell"`
}

type ImagesReq struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	OwnerID         string `json:"owner_id"`
}

type BrokenReq struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
}
