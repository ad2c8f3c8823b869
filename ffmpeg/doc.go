// Package ffmpeg manages the live streaming sessions of a cloud camera: it negotiates
// the SRTP endpoints with a HomeKit controller, spawns one ffmpeg process per session
// that relays the upstream stream to the controller and tears the process down again.
// It also fetches rate-limited snapshots from the upstream device.
//
// This package requires the `ffmpeg` command line tool to be installed. Install by running
// - use https://github.com/homebridge/ffmpeg-for-homebridge on linux
// - `sudo port install ffmpeg +nonfree` on macOS
//
// HomeKit supports multiple video codecs but h264 is mandatory. So make sure that a h264 encoder for ffmpeg is installed too.
package ffmpeg
