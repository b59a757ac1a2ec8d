package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ClientName      string     `json:"client_name"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	Grid            GridParams `json:"grid"`
}

type GridParams struct {
	Enabled         bool `json:"enabled"`
	CellSize        int  `json:"cell_size"`
	DefaultCellSize int  `json:"default_cell_size"`
	MinCellSize     int  `json:"min_cell_size"`
	UnitsPerPixel   int  `json:"units_per_pixel"`
	MaxImageSize    int  `json:"max_image_size"`
	ZOffset         int  `json:"z_offset"`
}

// RESULT (server -> client) answers exactly one request, matched by Ref.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	For             string `json:"for"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Data            any    `json:"data,omitempty"`
}

// EVENT (server -> client) is pushed for every applied grid mutation.
type EventMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Seq             uint64   `json:"seq"`
	Kind            string   `json:"kind"`
	Time            string   `json:"time"`
	CellSize        int      `json:"cell_size"`
	ImageIndex      int      `json:"image_index"`
	OwnerIndex      int      `json:"owner_index"`
	OwnerID         string   `json:"owner_id,omitempty"`
	OwnerName       string   `json:"owner_name,omitempty"`
	ReservationID   string   `json:"reservation_id,omitempty"`
	Cells           [][2]int `json:"cells,omitempty"`
}
