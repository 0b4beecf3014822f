package models

import "time"

// Stage and slot layouts are fixed per category. Transport calls go through
// check-in and check-out, each gated by four vehicle photos and a client
// signature. Inspections are a single stage of six vehicle photos, with four
// optional extra slots when a secondary vehicle is involved.

const (
	StageCheckIn  = "check-in"
	StageCheckOut = "check-out"
	StageSurvey   = "survey"
)

func photoSlot(id, label string, required bool) CaptureSlot {
	return CaptureSlot{ID: id, Label: label, Kind: SlotPhoto, Required: required}
}

func transportSlots() []CaptureSlot {
	return []CaptureSlot{
		photoSlot("photo-front", "Front", true),
		photoSlot("photo-left", "Left side", true),
		photoSlot("photo-rear", "Rear", true),
		photoSlot("photo-right", "Right side", true),
		{ID: "signature", Label: "Client signature", Kind: SlotSignature, Required: true},
	}
}

// TransportStages builds the check-in/check-out sequence with fresh slots.
func TransportStages() []Stage {
	return []Stage{
		{Name: StageCheckIn, Slots: transportSlots()},
		{Name: StageCheckOut, Slots: transportSlots()},
	}
}

// InspectionStages builds the single survey stage. Secondary-vehicle slots
// are present but optional when hasSecondary is set.
func InspectionStages(hasSecondary bool) []Stage {
	slots := []CaptureSlot{
		photoSlot("photo-right", "Right side", true),
		photoSlot("photo-left", "Left side", true),
		photoSlot("photo-front", "Front", true),
		photoSlot("photo-rear", "Rear", true),
		photoSlot("photo-dashboard", "Dashboard", true),
		photoSlot("photo-odometer", "Odometer", true),
	}
	if hasSecondary {
		slots = append(slots,
			photoSlot("secondary-right", "Secondary right side", false),
			photoSlot("secondary-left", "Secondary left side", false),
			photoSlot("secondary-front", "Secondary front", false),
			photoSlot("secondary-rear", "Secondary rear", false),
		)
	}
	return []Stage{{Name: StageSurvey, Slots: slots}}
}

// NewTransportJob builds an active transport job at its first stage.
func NewTransportJob(id string, d TransportDetails) *Job {
	return &Job{
		ID:        id,
		Category:  RoleTransport,
		Status:    JobActive,
		Stages:    TransportStages(),
		Transport: &d,
		Created:   time.Now().UTC().UnixMilli(),
	}
}

// NewInspectionJob builds an active inspection job at its single stage.
func NewInspectionJob(id string, d InspectionDetails) *Job {
	return &Job{
		ID:         id,
		Category:   RoleInspection,
		Status:     JobActive,
		Stages:     InspectionStages(d.HasSecondaryVehicle),
		Inspection: &d,
		Created:    time.Now().UTC().UnixMilli(),
	}
}

// JobFromOffer instantiates the job an accepted offer stands for, using the
// offer's embedded data and the worker's role as the category.
func JobFromOffer(o Offer, role Role) *Job {
	switch role {
	case RoleInspection:
		return NewInspectionJob(o.ID, InspectionDetails{
			OccurrenceType:    o.ServiceCategory,
			OccurrenceAddress: o.Address,
		})
	default:
		return NewTransportJob(o.ID, TransportDetails{
			PickupAddress: o.Address,
		})
	}
}
