package models

import "time"

// Role is the worker's capability set, assigned by the platform at login.
type Role string

const (
	RoleTransport  Role = "transport"
	RoleInspection Role = "inspection"
)

// Session is the authenticated worker's record. One per login, cleared at
// logout. At most one active Job belongs to it at any time.
type Session struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name"`
	Token    string `json:"token"`
	Role     Role   `json:"role"`
	Category string `json:"category,omitempty"`
	Created  int64  `json:"created"`
}

// PositionFix is a single geolocation reading. Ephemeral: consumed by the
// presence client on the tick that acquired it, never stored.
type PositionFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Captured  time.Time `json:"captured"`
}

// Offer is a server-pushed job proposal with a decision deadline.
type Offer struct {
	ID              string `json:"offer_id"`
	Address         string `json:"address"`
	ServiceCategory string `json:"service_category"`
	DeadlineTicks   int    `json:"deadline_ticks"`
}

type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

type SlotKind string

const (
	SlotPhoto     SlotKind = "photo"
	SlotSignature SlotKind = "signature"
)

// CaptureSlot is one evidence item of a stage. An empty Ref means unfilled.
type CaptureSlot struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Kind     SlotKind `json:"kind"`
	Required bool     `json:"required"`
	Ref      string   `json:"ref,omitempty"`
}

// Stage is one checkpoint in a job's ordered sequence. Its required slots
// gate the advance to the next stage.
type Stage struct {
	Name        string        `json:"name"`
	Slots       []CaptureSlot `json:"slots"`
	Observation string        `json:"observation,omitempty"`
}

// TransportDetails carries the fields specific to a tow call.
type TransportDetails struct {
	ClientName         string `json:"client_name,omitempty"`
	ClientDocument     string `json:"client_document,omitempty"`
	ClientPhone        string `json:"client_phone,omitempty"`
	VehicleModel       string `json:"vehicle_model,omitempty"`
	VehicleColor       string `json:"vehicle_color,omitempty"`
	VehicleYear        string `json:"vehicle_year,omitempty"`
	Plate              string `json:"plate,omitempty"`
	PickupAddress      string `json:"pickup_address,omitempty"`
	DestinationAddress string `json:"destination_address,omitempty"`
}

// InspectionDetails carries the fields specific to a vehicle inspection.
// Audio and video refs are opaque; capture mechanics are out of scope.
type InspectionDetails struct {
	AssociateName     string `json:"associate_name,omitempty"`
	AssociateDocument string `json:"associate_document,omitempty"`
	AssociatePhone    string `json:"associate_phone,omitempty"`
	VehicleBrand      string `json:"vehicle_brand,omitempty"`
	VehicleModel      string `json:"vehicle_model,omitempty"`
	VehicleColor      string `json:"vehicle_color,omitempty"`
	VehicleYear       string `json:"vehicle_year,omitempty"`
	Plate             string `json:"plate,omitempty"`
	OccurrenceType    string `json:"occurrence_type,omitempty"`
	OccurrenceAddress string `json:"occurrence_address,omitempty"`
	OccurrenceDate    string `json:"occurrence_date,omitempty"`

	HasSecondaryVehicle   bool   `json:"has_secondary_vehicle,omitempty"`
	SecondaryVehicleModel string `json:"secondary_vehicle_model,omitempty"`
	SecondaryVehiclePlate string `json:"secondary_vehicle_plate,omitempty"`

	AudioRef string `json:"audio_ref,omitempty"`
	VideoRef string `json:"video_ref,omitempty"`
}

// Job is a unit of field work progressing through its category's ordered
// stages. The category discriminates which details payload is set; the
// constructors in stages.go are the only intended way to build one.
type Job struct {
	ID         string             `json:"id"`
	Category   Role               `json:"category"`
	Status     JobStatus          `json:"status"`
	Stage      int                `json:"stage"`
	Stages     []Stage            `json:"stages"`
	Transport  *TransportDetails  `json:"transport,omitempty"`
	Inspection *InspectionDetails `json:"inspection,omitempty"`
	Created    int64              `json:"created"`
}

// CurrentStage returns the job's current stage, or nil once terminal.
func (j *Job) CurrentStage() *Stage {
	if j.Status != JobActive || j.Stage < 0 || j.Stage >= len(j.Stages) {
		return nil
	}
	return &j.Stages[j.Stage]
}

// FindSlot locates a slot by id within the stage.
func (st *Stage) FindSlot(slotID string) *CaptureSlot {
	for i := range st.Slots {
		if st.Slots[i].ID == slotID {
			return &st.Slots[i]
		}
	}
	return nil
}

// RequiredFilled reports whether every required slot of the stage holds a ref.
func (st *Stage) RequiredFilled() bool {
	for i := range st.Slots {
		if st.Slots[i].Required && st.Slots[i].Ref == "" {
			return false
		}
	}
	return true
}
