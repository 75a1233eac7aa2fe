package dto

// GaenKey is a diagnosis key as submitted by or returned to clients. KeyData
// is base64. Fake is 0 or 1; fake entries participate in cover traffic and
// are never persisted.
type GaenKey struct {
	KeyData               string `json:"keyData"`
	RollingStartNumber    uint32 `json:"rollingStartNumber"`
	RollingPeriod         uint32 `json:"rollingPeriod"`
	TransmissionRiskLevel int32  `json:"transmissionRiskLevel"`
	Fake                  int32  `json:"fake"`
}

type PublishRequest struct {
	Token    string    `json:"token"`
	GaenKeys []GaenKey `json:"gaenKeys"`
}

type PublishResponse struct {
	InsertedKeys    int    `json:"insertedKeys"`
	DelayedKeyToken string `json:"delayedKeyToken"`
}
