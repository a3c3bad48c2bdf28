package version

// PackageName is the name of this package, set at build time.
var PackageName = "acceld"

// Version is the release version, set at build time.
var Version = "undefined"

// CommitHash is the git commit hash, set at build time.
var CommitHash = "undefined"

// BuildDate is the date of the build, set at build time.
var BuildDate = "undefined"
