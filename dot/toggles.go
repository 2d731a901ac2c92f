package dot

import "sync/atomic"

// dottingDisabled and uploadingDisabled are process-wide feature toggles:
// plain atomic booleans with idempotent setters.
var (
	dottingDisabled   atomic.Bool
	uploadingDisabled atomic.Bool
)

// DisableDotting stops every Dotter in the process from recording or
// flushing new observations. Existing buffered data is left untouched.
func DisableDotting() { dottingDisabled.Store(true) }

func EnableDotting() { dottingDisabled.Store(false) }

func IsDottingDisabled() bool { return dottingDisabled.Load() }

// DisableUploading stops the upload trigger from firing, while dot/punish
// calls keep merging and flushing to the buffer file.
func DisableUploading() { uploadingDisabled.Store(true) }

func EnableUploading() { uploadingDisabled.Store(false) }

func IsUploadingDisabled() bool { return uploadingDisabled.Load() }
