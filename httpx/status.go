package httpx

import "net/http"

const (
	StatusOK                 = http.StatusOK                  // Successful request
	StatusNoContent          = http.StatusNoContent           // Write or delete applied
	StatusBadRequest         = http.StatusBadRequest          // Malformed body or empty key
	StatusNotFound           = http.StatusNotFound            // Unknown route
	StatusInternalError      = http.StatusInternalServerError // Backend failure
	StatusServiceUnavailable = http.StatusServiceUnavailable  // Unhealthy or not connected
)
