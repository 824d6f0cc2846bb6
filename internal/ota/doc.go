// Package ota runs firmware updates commanded by the IoT hub.
//
// The Coordinator subscribes to $ota/update, accepts one update at a time
// and drives it through header validation, download, burning and the
// final reboot, reporting progress on $ota/report. Downloads go through an
// Updater; HTTPUpdater streams the image into a staging file and checks
// its size and MD5 checksum before committing it.
package ota
