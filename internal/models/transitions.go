package models

// requestTransitions is the ride-request lifecycle as code. Anything not
// listed here is rejected with ErrInvalidTransition.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestRequested: {RequestAccepted, RequestRejected, RequestCancelled},
	RequestAccepted:  {RequestArrived, RequestCancelled},
	RequestArrived:   {RequestOngoing, RequestCancelled},
	RequestOngoing:   {RequestCompleted},
	RequestRejected:  {},
	RequestCancelled: {},
	RequestCompleted: {},
}

func CanTransition(from, to RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var tripTransitions = map[TripStatus][]TripStatus{
	TripPending:   {TripScheduled, TripActive, TripCancelled},
	TripScheduled: {TripActive, TripCancelled},
	TripActive:    {TripCompleted, TripCancelled},
}

// CanAdvanceTrip reports whether a trip may move from one status to another.
// Trip status only moves forward.
func CanAdvanceTrip(from, to TripStatus) bool {
	for _, s := range tripTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ParseTripStatus(v string) (TripStatus, bool) {
	switch s := TripStatus(v); s {
	case TripPending, TripScheduled, TripActive, TripCompleted, TripCancelled:
		return s, true
	}
	return "", false
}
