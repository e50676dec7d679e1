// Package codec_params реализует форматирование и разбор строки параметров
// fmtp для кодеков SDP.
//
// Для каждой пары (тип медиа, имя кодека) может быть зарегистрирован свой
// форматтер и парсер. Если пара не зарегистрирована, используется общий
// формат name=value с разделителем ';'. Реестр строится один раз при старте,
// до создания объектов согласования.
package codec_params

import (
	"log/slog"
	"strings"

	"github.com/arzzra/sip_negotiation/pkg/media_types"
)

// FormatFunc формирует строку fmtp из параметров кодека
type FormatFunc func(codec *media_types.Codec) string

// ParseFunc разбирает строку fmtp и дописывает параметры в кодек.
// Возвращает хвост строки, который не удалось разобрать.
type ParseFunc func(codec *media_types.Codec, fmtp string) string

// Plugin пара форматтер/парсер для одного кодека
type Plugin struct {
	Format FormatFunc
	Parse  ParseFunc
}

type registryKey struct {
	mediaType media_types.MediaType
	name      string
}

// Registry статическое отображение (тип медиа, имя кодека) -> Plugin.
// После построения используется только на чтение.
type Registry struct {
	plugins map[registryKey]Plugin
	generic Plugin
	logger  *slog.Logger
}

// NewRegistry создает реестр с общим плагином и плагином telephone-event
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "codec_params"))
	}
	r := &Registry{
		plugins: make(map[registryKey]Plugin),
		generic: Plugin{Format: FormatGeneric, Parse: ParseGeneric},
		logger:  logger,
	}
	r.Register(media_types.MediaTypeAudio, "telephone-event", Plugin{
		Format: FormatTelephoneEvent,
		Parse:  ParseTelephoneEvent,
	})
	return r
}

var defaultRegistry = NewRegistry(nil)

// Default возвращает реестр, построенный при инициализации пакета
func Default() *Registry {
	return defaultRegistry
}

// Register регистрирует плагин. Повторная регистрация того же ключа
// ничего не меняет и возвращает false.
func (r *Registry) Register(mediaType media_types.MediaType, encodingName string, plugin Plugin) bool {
	key := registryKey{mediaType: mediaType, name: strings.ToLower(encodingName)}
	if _, exists := r.plugins[key]; exists {
		return false
	}
	if plugin.Format == nil {
		plugin.Format = FormatGeneric
	}
	if plugin.Parse == nil {
		plugin.Parse = ParseGeneric
	}
	r.plugins[key] = plugin
	return true
}

func (r *Registry) lookup(mediaType media_types.MediaType, encodingName string) Plugin {
	if p, ok := r.plugins[registryKey{mediaType: mediaType, name: strings.ToLower(encodingName)}]; ok {
		return p
	}
	return r.generic
}

// Format возвращает строку fmtp для кодека
func (r *Registry) Format(mediaType media_types.MediaType, codec *media_types.Codec) string {
	return r.lookup(mediaType, codec.EncodingName).Format(codec)
}

// Parse разбирает строку fmtp и добавляет параметры в codec.
// Неразобранный хвост отбрасывается с предупреждением в лог.
func (r *Registry) Parse(mediaType media_types.MediaType, codec *media_types.Codec, fmtp string) {
	rest := r.lookup(mediaType, codec.EncodingName).Parse(codec, fmtp)
	if strings.TrimSpace(rest) != "" {
		r.logger.Warn("не удалось разобрать часть параметров формата",
			slog.String("codec", codec.EncodingName),
			slog.Int("payload_type", int(codec.PayloadType)),
			slog.String("fmtp", fmtp),
			slog.String("tail", rest))
	}
}
