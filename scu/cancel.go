package scu

// Cancel, embedded in Find/Move/GetRequest, lets a caller ask an in-flight
// C-FIND, C-MOVE, or C-GET to stop: closing the channel causes the
// response loop to send a single C-CANCEL-RQ on the operation's
// presentation context and keep waiting for the SCP's terminal response
// (spec §4.5's supplemented cancellation; DICOM defines no response to
// C-CANCEL itself).
type Cancel <-chan struct{}
