// Package upstream fetches raw metric payloads from OpenDigger.
//
// Each series lives at {base}/{platform}/{entity}[/{repo}]/{metric}.json and
// is a JSON object mapping period labels to values. Client implements
// seriescache.Fetcher and classifies failures as seriescache.UpstreamError.
package upstream
