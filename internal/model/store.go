package model

// StoreStatus marks whether a store may fulfil orders.
type StoreStatus string

const (
	StoreActive   StoreStatus = "active"
	StoreInactive StoreStatus = "inactive"
)

// Store is a physical fulfilment point.
type Store struct {
	ID              string      `json:"id"`
	Code            string      `json:"code"`
	Name            string      `json:"name"`
	Cluster         string      `json:"cluster,omitempty"`
	BackupStoreID   string      `json:"backupStoreId,omitempty"`
	Status          StoreStatus `json:"status"`
	Address         string      `json:"address,omitempty"`
	Pincode         string      `json:"pincode"`
	ServicePincodes []string    `json:"servicePincodes,omitempty"`
	Geo             Geo         `json:"geo"`
}

// Geo is a latitude/longitude pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Active reports whether the store accepts orders.
func (s Store) Active() bool { return s.Status == StoreActive }

// Serves reports whether the store covers the given pincode.
func (s Store) Serves(pincode string) bool {
	if pincode == "" {
		return false
	}
	if s.Pincode == pincode {
		return true
	}
	for _, p := range s.ServicePincodes {
		if p == pincode {
			return true
		}
	}
	return false
}
