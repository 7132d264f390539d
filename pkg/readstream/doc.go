// Package readstream reads a remote file as an ordered, pull-based stream
// of chunks.
//
// [Open] opens the file through a [FileClient], splits the requested
// range into reads of at most MaxFrameSize bytes and returns a [Stream].
// Reads are only issued while the consumer is pulling: [Stream.Next],
// [Stream.Read] and [Stream.WriteTo] each drive the pipeline, which keeps up to
// MaxConcurrency reads outstanding and hands results back strictly in offset
// order.
//
//	s, err := readstream.Open(ctx, client, "logs/app.log", readstream.Options{
//	    Start:    1 << 20,
//	    Encoding: "utf8",
//	})
//	if errors.Is(err, fs.ErrNotExist) {
//	    // no such file
//	}
//	defer s.Close()
//	_, err = io.Copy(os.Stdout, s)
//
// A failed read ends the stream with that error. Close releases the remote
// handle; on a stream that delivered everything, a close failure is returned
// as a *CloseError and does not mean data was lost.
package readstream
