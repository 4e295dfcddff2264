package types

// UnlockRequest carries the shared department code for opening a
// vetting session.
type UnlockRequest struct {
	Code string `json:"code" binding:"required"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Database  map[string]interface{} `json:"database"`
	Redis     map[string]interface{} `json:"redis"`
}

// ScanTypes is the out-of-hours CT menu offered by the vetting form.
// Free-text scan types are still accepted on submission; this list
// only drives the UI dropdown.
var ScanTypes = []string{
	"CT Head",
	"CT Cervical Spine",
	"CT Chest",
	"CT Pulmonary Angiogram",
	"CT Abdomen/Pelvis",
	"CT Chest/Abdomen/Pelvis",
	"CT KUB",
	"CT Angiogram Aorta",
	"CT Head/Neck Angiogram",
	"CT Colonography",
}
