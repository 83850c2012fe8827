package models

// Delivery is written by the dispatch side of the business; trackd only
// reads it to map a tracking number to a device and a destination.
// DeviceID stays NULL until a vehicle is dispatched.
type Delivery struct {
	ID              uint    `gorm:"primaryKey"`
	TrackingNumber  string  `gorm:"size:64;uniqueIndex;not null"`
	DeviceID        *string `gorm:"column:device_id;size:64;index"`
	DestinationLat  float64
	DestinationLng  float64
	Status          string `gorm:"size:32"`
	CustomerName    string `gorm:"size:128"`
	CustomerAddress string `gorm:"size:255"`
}

func (Delivery) TableName() string { return "deliveries" }
