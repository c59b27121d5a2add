package tunnel

// BuildVersion is set at release time; in development builds it stays at
// this placeholder, matching the teacher's share.BuildVersion convention.
var BuildVersion = "0.0.0-src"
